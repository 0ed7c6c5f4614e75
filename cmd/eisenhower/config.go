package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nhle/eisenhower/internal/app"
	"github.com/nhle/eisenhower/internal/credential"
	"github.com/nhle/eisenhower/internal/model"
)

// Keyring access, replaced in tests.
var (
	setCredential    = credential.Set
	deleteCredential = credential.Delete
)

// runConfig prints the effective configuration or writes it to a file.
func runConfig(_ context.Context, a *app.App, args []string, w io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: config show|save [path]|set-key <key>|delete-key")
	}

	switch args[0] {
	case "show":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(a.Config); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		return enc.Close()
	case "save":
		path := model.DefaultConfigPath()
		if len(args) > 1 {
			path = args[1]
		}
		if err := model.SaveConfig(path, a.Config); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", path)
		return nil
	case "set-key":
		if len(args) != 2 || strings.TrimSpace(args[1]) == "" {
			return errors.New("usage: config set-key <key>")
		}
		if err := setCredential(credential.ClaudeAPIKey, strings.TrimSpace(args[1])); err != nil {
			return err
		}
		fmt.Fprintln(w, "stored Claude API key in the keyring")
		return nil
	case "delete-key":
		if len(args) != 1 {
			return errors.New("usage: config delete-key")
		}
		if err := deleteCredential(credential.ClaudeAPIKey); err != nil {
			return err
		}
		fmt.Fprintln(w, "removed Claude API key from the keyring")
		return nil
	default:
		return fmt.Errorf("unknown config command %q", args[0])
	}
}
