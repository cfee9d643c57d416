package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	cvhttp "github.com/Strob0t/Conclave/internal/adapter/http"
	"github.com/Strob0t/Conclave/internal/domain/decision"
	"github.com/Strob0t/Conclave/internal/middleware"
	"github.com/Strob0t/Conclave/internal/service"
)

// clientFlags are shared by the commands that talk to a running server.
type clientFlags struct {
	server    *string
	apiKey    *string
	promptKey *bool
	asJSON    *bool
	timeout   *time.Duration
}

func registerClientFlags(fs *flag.FlagSet) clientFlags {
	server := os.Getenv("CONCLAVE_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	return clientFlags{
		server:    fs.String("server", server, "base URL of the conclave server"),
		apiKey:    fs.String("key", os.Getenv("CONCLAVE_API_KEY"), "API key (default $CONCLAVE_API_KEY)"),
		promptKey: fs.Bool("prompt-key", false, "read the API key from the terminal"),
		asJSON:    fs.Bool("json", false, "print JSON even on a terminal"),
		timeout:   fs.Duration("timeout", 60*time.Second, "request timeout"),
	}
}

// jsonOutput reports whether results should be printed as JSON rather than
// a table: always when stdout is not a terminal.
func (f clientFlags) jsonOutput() bool {
	return *f.asJSON || !term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec // fd fits in int
}

func (f clientFlags) key() (string, error) {
	if !*f.promptKey {
		return *f.apiKey, nil
	}
	return readSecret("API key: ")
}

// readSecret prompts on stderr and reads one line without echo.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)                         // newline after key input
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// runHashKey prints the bcrypt hash for server.api_key_hash. The key is read
// without echo on a terminal, otherwise from the first line of stdin.
func runHashKey() error {
	var key string
	var err error
	if term.IsTerminal(int(syscall.Stdin)) { //nolint:unconvert // int conversion needed on some platforms
		key, err = readSecret("API key to hash: ")
	} else {
		key, err = bufio.NewReader(os.Stdin).ReadString('\n')
		if errors.Is(err, io.EOF) {
			err = nil
		}
		key = strings.TrimSpace(key)
	}
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	if key == "" {
		return errors.New("empty key")
	}
	hash, err := middleware.HashKey(key)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

// call performs one JSON request against the server and decodes the reply into out.
func (f clientFlags) call(method, path string, body, out any) error {
	key, err := f.key()
	if err != nil {
		return err
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(*f.server, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}

func runAsk(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	cf := registerClientFlags(fs)
	class := fs.String("class", string(decision.ClassNormal), "context class: urgent, normal or deliberative")
	correlationID := fs.String("correlation-id", "", "correlation ID for the decision")
	if err := fs.Parse(args); err != nil {
		return err
	}

	payload := strings.Join(fs.Args(), " ")
	if payload == "" {
		var err error
		if payload, err = readPayload(); err != nil {
			return err
		}
	}

	var c decision.Consensus
	err := cf.call(http.MethodPost, "/api/v1/schedule", cvhttp.ScheduleRequest{
		Payload:       payload,
		ContextClass:  *class,
		CorrelationID: *correlationID,
	}, &c)
	if err != nil {
		return err
	}

	if cf.jsonOutput() {
		return json.NewEncoder(os.Stdout).Encode(c)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "DECISION\t%s\n", c.Payload)
	_, _ = fmt.Fprintf(w, "CONFIDENCE\t%.2f\n", c.Confidence)
	_, _ = fmt.Fprintf(w, "CONTRIBUTORS\t%s\n", strings.Join(c.Contributors, ", "))
	_, _ = fmt.Fprintf(w, "FALLBACK\t%t\n", c.IsFallback)
	_, _ = fmt.Fprintf(w, "OVERRIDE\t%d\n", c.OverrideLevel)
	_, _ = fmt.Fprintf(w, "CORRELATION\t%s\n", c.CorrelationID)
	return w.Flush()
}

// readPayload prompts on a terminal, otherwise reads all of stdin.
func readPayload() (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) { //nolint:unconvert // int conversion needed on some platforms
		fmt.Fprint(os.Stderr, "Question: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cf := registerClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var resp struct {
		Providers  []service.ProviderStatus `json:"providers"`
		StuckCount int                      `json:"stuck_count"`
	}
	if err := cf.call(http.MethodGet, "/api/v1/providers", nil, &resp); err != nil {
		return err
	}

	if cf.jsonOutput() {
		return json.NewEncoder(os.Stdout).Encode(resp)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROVIDER\tSTATE\tFAILURES\tRPM_CAP\tMAX_RPM\tIN_WINDOW\tLATENCY_EMA\tQUEUED")
	for i := range resp.Providers {
		p := resp.Providers[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%d\n",
			p.ProviderID, p.State, p.Failures, p.Capacity, p.MaxRPM, p.InWindow,
			p.LatencyEMA.Round(time.Millisecond), p.Queued)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nidentical consecutive decisions: %d\n", resp.StuckCount)
	return nil
}
