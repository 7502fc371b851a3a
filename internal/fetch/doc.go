// Package fetch downloads catalog images into the downloads folder.
//
// A Fetcher implements queue.Fetcher. Transfers stream into a ".part" file
// that is renamed into place only after the declared size and checksum have
// been verified, so an image present under its final name is always
// complete. An image that already exists is reused without a request.
// Active transfers can be cancelled by source id, and a short history of
// finished transfers backs the download statistics shown by the scheduler.
package fetch
