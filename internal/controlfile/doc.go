// Package controlfile renders the robot job definition (<job id>.jdf) and
// its replace-field data file (<job id>.data) into the control folder.
//
// Templates use text/template with the fields listed on Fields. Operators
// may point robot.control_template and robot.data_template at their own
// files; the embedded defaults target the EPSON PP-100 TDBridge format.
package controlfile
