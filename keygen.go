package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-zoox/fs"

	"github.com/erik/mittens/internal/tunnel"
)

// keygen creates a relay signing key. With a path argument the private key
// is written there; otherwise it is printed. The public key, which clients
// pass as --relay-key, is always printed.
func keygen(w io.Writer, args []string) error {
	if len(args) > 1 {
		return errors.New("usage: mittens keygen [signing-key-path]")
	}

	id, err := tunnel.GenerateIdentity(nil)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		path := args[0]
		if fs.IsExist(path) {
			return fmt.Errorf("keygen: %s already exists", path)
		}
		if err := tunnel.WriteIdentity(path, id); err != nil {
			return err
		}
		fmt.Fprintf(w, "signing key written to %s\n", path)
	} else {
		fmt.Fprintf(w, "signing key: %s\n", tunnel.EncodeKey(id.Private[:]))
	}
	fmt.Fprintf(w, "public key:  %s\n", tunnel.EncodeKey(id.Public[:]))
	return nil
}
