// Command slot-probe is an operator helper for a running slot-service. It
// checks gRPC health and /readyz, and mints development tokens.
//
//	slot-probe health -grpc localhost:9090 -http http://localhost:8080
//	slot-probe token -role driver -user drv-1 -hotel h-1
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shuttlehq/shuttle-core/libs/auth"
	"github.com/shuttlehq/shuttle-core/libs/config"
	"github.com/shuttlehq/shuttle-core/libs/grpcx"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: slot-probe health|token [flags]")
	}
	switch args[0] {
	case "health":
		return health(ctx, args[1:], out)
	case "token":
		return token(args[1:], out)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func health(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	grpcAddr := fs.String("grpc", config.String("GRPC_ADDR", "localhost:9090"), "gRPC address; empty skips the check")
	httpURL := fs.String("http", config.String("BASE_URL", "http://localhost:8080"), "HTTP base url; empty skips the check")
	service := fs.String("service", "slot-service", "health service name")
	timeout := fs.Duration("timeout", 3*time.Second, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var errs []error
	if *grpcAddr != "" {
		err := probeGRPC(ctx, *grpcAddr, *service)
		report(out, "grpc", *grpcAddr, err)
		errs = append(errs, err)
	}
	if *httpURL != "" {
		target := strings.TrimRight(*httpURL, "/") + "/readyz"
		err := probeHTTP(ctx, target)
		report(out, "http", target, err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func probeGRPC(ctx context.Context, addr, service string) error {
	conn, err := grpcx.Connect(ctx, addr, grpcx.ClientOptions{})
	if err != nil {
		return err
	}
	defer conn.Close()
	return grpcx.CheckHealth(ctx, conn, service)
}

func probeHTTP(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func report(out io.Writer, kind, target string, err error) {
	if err != nil {
		fmt.Fprintf(out, "%s %s: FAIL %v\n", kind, target, err)
		return
	}
	fmt.Fprintf(out, "%s %s: ok\n", kind, target)
}

func token(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", config.String("JWT_SECRET", ""), "HS256 signing secret")
	issuer := fs.String("issuer", config.String("JWT_ISSUER", ""), "token issuer")
	role := fs.String("role", "guest", "guest, driver, frontdesk or admin")
	user := fs.String("user", "", "subject user id")
	hotel := fs.String("hotel", "", "hotel id claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*secret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	if strings.TrimSpace(*user) == "" {
		return errors.New("-user is required")
	}
	r, ok := auth.ParseRole(*role)
	if !ok {
		return fmt.Errorf("unknown role %q", *role)
	}
	tok, err := auth.NewVerifier(*secret, *issuer).Sign(auth.Principal{UserID: *user, HotelID: *hotel, Role: r}, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}
