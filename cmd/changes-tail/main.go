// Command changes-tail follows the changes feed of a database and writes one
// JSON line per change to stdout.
//
// Run with:
//
//	changes-tail --url http://localhost:5984 --db orders --heartbeat 10s
//
// Every flag can also be set through an environment variable prefixed with
// CHANGES_, for example CHANGES_DB=orders.
package main

import "os"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
