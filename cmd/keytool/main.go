// Command keytool manages a node's authorized_keys file from outside a
// running daemon: authorizing new peers, revoking existing ones, and
// listing who's currently allowed to connect.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/omerta-net/netcore/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "authorize":
		err = runAuthorize(os.Args[2:])
	case "revoke":
		err = runRevoke(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "keytool:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: keytool <authorize|revoke|list> [flags]")
}

func runAuthorize(args []string) error {
	fs := flag.NewFlagSet("authorize", flag.ExitOnError)
	file := fs.String("file", "authorized_keys", "path to authorized_keys file")
	comment := fs.String("comment", "", "optional comment for this peer")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("authorize requires exactly one argument: <peer-id>")
	}
	peerIDStr := fs.Arg(0)

	if err := auth.AddPeer(*file, peerIDStr, *comment); err != nil {
		return err
	}
	fmt.Printf("authorized peer: %s\n", peerIDStr)
	if *comment != "" {
		fmt.Printf("  comment: %s\n", *comment)
	}
	fmt.Printf("  file: %s\n", *file)
	return nil
}

func runRevoke(args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	file := fs.String("file", "authorized_keys", "path to authorized_keys file")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("revoke requires exactly one argument: <peer-id>")
	}
	peerIDStr := fs.Arg(0)

	if err := auth.RemovePeer(*file, peerIDStr); err != nil {
		return err
	}
	fmt.Printf("revoked peer: %s\n", peerIDStr)
	fmt.Printf("  file: %s\n", *file)
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	file := fs.String("file", "authorized_keys", "path to authorized_keys file")
	fs.Parse(args)

	peers, err := auth.LoadAuthorizedKeys(*file)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Println("(no authorized peers)")
		return nil
	}
	for peerID := range peers {
		fmt.Println(peerID.String())
	}
	return nil
}
