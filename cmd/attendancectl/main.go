package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"qrattend.org/internal/attendance"
	"qrattend.org/internal/auth"
	"qrattend.org/internal/config"
	"qrattend.org/internal/grpcapi"
	"qrattend.org/internal/qr"
)

const usage = `usage: attendancectl [flags] <command> [args]

commands:
  issue <member> <check_in|check_out>   issue a token (-png writes the QR image)
  redeem <token> [member]               redeem a token
  status <token>                        show token status
  watch <token>                         poll until the token is resolved
`

func main() {
	log.SetFlags(0)
	_ = config.LoadDotEnv()

	var (
		addr    = flag.String("addr", envOr("QRATTEND_GRPC_ADDR", "localhost:9090"), "gRPC address")
		token   = flag.String("token", os.Getenv("QRATTEND_TOKEN"), "session bearer token")
		as      = flag.String("as", "", "mint a session for this user id with QRATTEND_AUTH_SECRET")
		pngPath = flag.String("png", "", "write the issued QR code to this file")
		size    = flag.Int("size", 256, "QR image size in pixels")
		base    = flag.String("base-url", envOr("QRATTEND_PUBLIC_BASE_URL", "http://localhost:8080"), "public base URL encoded in QR payloads")
		timeout = flag.Duration("timeout", 5*time.Second, "per-call timeout")
		every   = flag.Duration("interval", 2*time.Second, "watch poll interval")
	)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	client, err := grpcapi.Dial(*addr)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer client.Close()

	bearer := *token
	if bearer == "" && *as != "" {
		bearer, err = mintSession(*as)
		if err != nil {
			log.Fatalf("session: %v", err)
		}
	}
	if bearer != "" {
		client = client.WithBearer(bearer)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "issue":
		need(args, 2)
		action, err := attendance.ParseAction(args[1])
		if err != nil {
			log.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		issued, err := client.Issue(ctx, args[0], action)
		if err != nil {
			log.Fatalf("issue: %v", err)
		}
		if *pngPath != "" {
			if err := writePNG(*base, issued.Token.ID, *size, *pngPath); err != nil {
				log.Fatalf("png: %v", err)
			}
		}
		printJSON(issued)
	case "redeem":
		need(args, 1)
		member := ""
		if len(args) > 1 {
			member = args[1]
		}
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		red, err := client.Redeem(ctx, args[0], member)
		if err != nil {
			fail("redeem", err)
		}
		printJSON(red)
	case "status":
		need(args, 1)
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		tok, err := client.Status(ctx, args[0])
		if err != nil {
			fail("status", err)
		}
		printJSON(tok)
	case "watch":
		need(args, 1)
		tok, err := client.WaitResolved(context.Background(), args[0], *every, 0)
		if errors.Is(err, grpcapi.ErrStillPending) {
			fmt.Fprintln(os.Stderr, "token still pending; giving up")
			printJSON(tok)
			os.Exit(3)
		}
		if err != nil {
			fail("watch", err)
		}
		printJSON(tok)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func mintSession(user string) (string, error) {
	signer, err := auth.NewSigner(os.Getenv("QRATTEND_AUTH_SECRET"))
	if err != nil {
		return "", err
	}
	token, _, err := signer.GenerateToken(user, []string{"lead"}, 15*time.Minute)
	return token, err
}

func writePNG(base, token string, size int, path string) error {
	renderer, err := qr.NewRenderer(base)
	if err != nil {
		return err
	}
	img, err := renderer.PNG(token, size)
	if err != nil {
		return err
	}
	return os.WriteFile(path, img, 0o644)
}

// fail prints the error kind when the server reported one.
func fail(op string, err error) {
	if kind, ok := attendance.KindOf(err); ok {
		log.Fatalf("%s: %s: %v", op, kind, err)
	}
	log.Fatalf("%s: %v", op, err)
}

func need(args []string, n int) {
	if len(args) < n {
		flag.Usage()
		os.Exit(2)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal(err)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
