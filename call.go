package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/classify"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/session"
)

// callFlags holds the parsed flags of the call command.
type callFlags struct {
	method  string
	data    string
	form    []string
	headers []string
	query   []string
	include bool
	noLogin bool
}

func newCallCmd() *cobra.Command {
	cf := &callFlags{}

	cmd := &cobra.Command{
		Use:   "call <provider> <path|url>",
		Short: "Make an authenticated API request",
		Long: `Send a request to a provider's API with the stored token.

A relative path is joined to the provider's base URL. The token is refreshed
when it is close to expiry, rejected credentials are recovered by a refresh
and then a browser login, and transient failures are retried with backoff.
The response body is written to stdout.`,
		Example: `  healthauth call whoop /developer/v1/recovery --query limit=10
  healthauth call withings /measure -X POST --form action=getmeas --form meastype=1
  healthauth call oura /v2/usercollection/sleep --query start_date=2026-01-01`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, args, *cf)
		},
	}

	cmd.Flags().StringVarP(&cf.method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&cf.data, "data", "d", "", "request body, or @file to read it from a file")
	cmd.Flags().StringArrayVar(&cf.form, "form", nil, "form field key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&cf.headers, "header", "H", nil, `extra header "Name: value" (repeatable)`)
	cmd.Flags().StringArrayVar(&cf.query, "query", nil, "query parameter key=value (repeatable)")
	cmd.Flags().BoolVarP(&cf.include, "include", "i", false, "print the HTTP status line before the body")
	cmd.Flags().BoolVar(&cf.noLogin, "no-login", false, "fail instead of starting the browser login flow")

	cmd.MarkFlagsMutuallyExclusive("data", "form")

	return cmd
}

// buildRequestSpec turns the call arguments into a RequestSpec.
func buildRequestSpec(target string, cf callFlags) (session.RequestSpec, error) {
	spec := session.RequestSpec{Method: strings.ToUpper(cf.method)}

	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		spec.URL = target
	} else {
		spec.Path = target
	}

	query, err := parsePairs(cf.query, "query")
	if err != nil {
		return spec, err
	}

	if len(query) > 0 {
		spec.Query = query
	}

	if len(cf.form) > 0 {
		form, err := parsePairs(cf.form, "form")
		if err != nil {
			return spec, err
		}

		spec.Form = form
	}

	if len(cf.headers) > 0 {
		spec.Header = make(http.Header, len(cf.headers))

		for _, h := range cf.headers {
			name, value, ok := strings.Cut(h, ":")
			if !ok || strings.TrimSpace(name) == "" {
				return spec, fmt.Errorf("invalid header %q: want \"Name: value\"", h)
			}

			spec.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	if cf.data != "" {
		body, err := readData(cf.data)
		if err != nil {
			return spec, err
		}

		spec.Body = body

		if json.Valid(body) && spec.Header.Get("Content-Type") == "" {
			if spec.Header == nil {
				spec.Header = make(http.Header)
			}

			spec.Header.Set("Content-Type", "application/json")
		}
	}

	return spec, nil
}

// parsePairs parses repeated key=value flags.
func parsePairs(pairs []string, flag string) (url.Values, error) {
	vals := make(url.Values, len(pairs))

	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --%s %q: want key=value", flag, kv)
		}

		vals.Add(k, v)
	}

	return vals, nil
}

// readData returns the literal body, or the contents of the file named by a
// leading '@'.
func readData(data string) ([]byte, error) {
	name, ok := strings.CutPrefix(data, "@")
	if !ok {
		return []byte(data), nil
	}

	b, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	return b, nil
}

func runCall(cmd *cobra.Command, args []string, cf callFlags) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	spec, err := buildRequestSpec(args[1], cf)
	if err != nil {
		return err
	}

	sess, err := cc.newSession(ctx, args[0], sessionOptions{interactive: !cf.noLogin})
	if err != nil {
		return err
	}
	defer sess.Close()

	resp, err := sess.driver.Execute(ctx, spec)
	if err != nil {
		// The error carries the classified message; the raw body is for debugging.
		if resp != nil && len(resp.Body) > 0 {
			cc.Logger.Debug("error response body", slog.String("body", string(resp.Body)))
		}

		return err
	}

	return writeResponse(cc, resp, cf.include)
}

func writeResponse(cc *CLIContext, resp *classify.Response, include bool) error {
	if include {
		fmt.Fprintf(cc.Out, "HTTP %d %s\n\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if _, err := cc.Out.Write(resp.Body); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}

	if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
		fmt.Fprintln(cc.Out)
	}

	return nil
}
