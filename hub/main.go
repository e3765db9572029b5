package main

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	reconcile "github.com/robobridge/robobridge/hub/cmd/reconcile"
	server "github.com/robobridge/robobridge/hub/cmd/server"
)

func main() {
	// One executable with subcommands keeps the container image small and
	// the deployment surface to a single binary.
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		log.Fatal("no command given; it must be the first argument (server, reconcile)")
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "server":
		server.Main(args)
	case "reconcile":
		reconcile.Main(args)
	default:
		log.Fatalf("unrecognized command: %s", cmd)
	}
}
