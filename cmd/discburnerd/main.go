// Command discburnerd runs the burn daemon with the default configuration
// lookup. It is equivalent to `discburner daemon` without flags and exists
// for service managers that expect a dedicated binary.
package main

import (
	"context"
	"errors"
	"log"

	"discburner/internal/config"
	"discburner/internal/daemonrun"
)

func main() {
	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{}); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("discburnerd: %v", err)
	}
}
