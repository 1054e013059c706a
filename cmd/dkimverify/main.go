// dkimverify checks the DKIM-Signature headers on an email message and
// reports the result.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docopt/docopt-go"

	"go.dkimverify.dev/dkimverify/internal/dkim"
	"go.dkimverify.dev/dkimverify/internal/envelope"
	"go.dkimverify.dev/dkimverify/internal/log"
	"go.dkimverify.dev/dkimverify/internal/normalize"
)

const usage = `dkimverify checks the DKIM-Signature headers on an email message.

Usage:
  dkimverify verify [-v] [<file>]
  dkimverify authresults [-v] [--identity=<id>] [<file>]
  dkimverify annotate [-v] [--identity=<id>] [<file>]
  dkimverify inspect [-v] [<file>]
  dkimverify -h | --help

Commands:
  verify        Print a pass/fail summary; exit 0 if at least one signature
                evaluated to SUCCESS, 1 otherwise.
  authresults   Print an Authentication-Results header for the message.
  annotate      Print the message with an Authentication-Results header
                prepended, as a milter-style filter would.
  inspect       Print one line per DKIM-Signature header found, with its
                domain, selector, and evaluation state.

Options:
  -h --help          Show this screen.
  -v --verbose        Trace each verification step to stderr.
  --identity=<id>     authserv-id to use in the Authentication-Results
                       header. [default: dkimverify]

If <file> is omitted, the message is read from standard input.
`

func main() {
	log.Init()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	verbose, _ := opts.Bool("--verbose")

	data, err := readMessage(opts)
	if err != nil {
		log.Fatalf("reading message: %v", err)
	}
	message := normalize.StringToCRLF(string(data))

	ctx := context.Background()
	if verbose {
		log.Default.Level = log.Debug
		ctx = dkim.WithTraceFunc(ctx, func(f string, a ...interface{}) {
			log.Debugf(f, a...)
		})
	}

	result, err := dkim.VerifyMessage(ctx, message)
	if err != nil {
		log.Fatalf("invalid message: %v", err)
	}

	switch {
	case optTrue(opts, "verify"):
		os.Exit(runVerify(result))
	case optTrue(opts, "authresults"):
		identity, _ := opts.String("--identity")
		runAuthResults(result, identity)
	case optTrue(opts, "annotate"):
		identity, _ := opts.String("--identity")
		runAnnotate(result, identity, message)
	case optTrue(opts, "inspect"):
		runInspect(result)
	}
}

func optTrue(opts docopt.Opts, key string) bool {
	v, _ := opts.Bool(key)
	return v
}

func readMessage(opts docopt.Opts) ([]byte, error) {
	file, _ := opts.String("<file>")
	if file == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}

func runVerify(result *dkim.VerifyResult) int {
	fmt.Printf("%d signature(s) found, %d valid\n", result.Found, result.Valid)
	for i, res := range result.Results {
		fmt.Printf("  [%d] domain=%s selector=%s state=%s",
			i+1, res.Domain, res.Selector, res.State)
		if res.Weak {
			fmt.Print(" weak")
		}
		if res.Error != nil {
			fmt.Printf(" error=%q", res.Error)
		}
		fmt.Println()
	}

	if result.Valid > 0 {
		return 0
	}
	return 1
}

func runAuthResults(result *dkim.VerifyResult, identity string) {
	fmt.Print(dkim.RenderAuthenticationResults(result, identity))
}

func runAnnotate(result *dkim.VerifyResult, identity, message string) {
	ar := strings.TrimPrefix(result.AuthenticationResults(), ";")
	annotated := envelope.AddHeader([]byte(message), "Authentication-Results",
		identity+"; "+ar)
	os.Stdout.Write(annotated)
}

func runInspect(result *dkim.VerifyResult) {
	for i, res := range result.Results {
		fmt.Printf("%d\tdomain=%s\tselector=%s\tstate=%s\tweak=%v\tduplicate_tags=%v\tb=%.12s\n",
			i+1, res.Domain, res.Selector, res.State, res.Weak,
			res.DuplicateTags, res.B)
	}
}
