// Command devtoken signs an identity token with JWT_SECRET, for calling the
// admin routes and the internal order hook outside the storefront.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lalithlochan/orderalert/internal/auth"
	"github.com/lalithlochan/orderalert/internal/config"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("devtoken", flag.ContinueOnError)
	user := fs.String("user", "admin-local", "user_id claim")
	role := fs.String("role", auth.RoleAdmin, "role claim: admin or service")
	ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *role != auth.RoleAdmin && *role != auth.RoleService {
		return fmt.Errorf("unsupported role %q", *role)
	}
	if *ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", *ttl)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	token, err := auth.NewVerifier(cfg.JWTSecret).Issue(*user, *role, *ttl)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, token)
	return nil
}
