/*
rfmesh runs mesh masters and nodes, and administers a running master's lease table.

See `rfmesh --help`.
*/
package main

import "github.com/rflandau/rfmesh/cmd"

func main() {
	cmd.Execute()
}
