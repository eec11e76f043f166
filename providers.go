package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/config"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/provider"
)

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List known providers and their endpoints",
		Args:  cobra.NoArgs,
		RunE:  runProviders,
	}
}

// providerOutput is the JSON schema for `providers --json`. Secrets are
// reduced to whether they are set.
type providerOutput struct {
	Name        string   `json:"name"`
	Family      string   `json:"family"`
	Classifier  string   `json:"classifier"`
	AuthURL     string   `json:"auth_url"`
	TokenURL    string   `json:"token_url"`
	BaseURL     string   `json:"base_url,omitempty"`
	Scopes      []string `json:"scopes"`
	TokenFile   string   `json:"token_file"`
	Credentials bool     `json:"credentials_configured"`
	ClientIDVar string   `json:"client_id_env"`
}

func runProviders(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	names := cc.Cfg.Catalog.Names()
	out := make([]providerOutput, 0, len(names))

	for _, name := range names {
		p, err := cc.Cfg.Catalog.Lookup(name)
		if err != nil {
			return err
		}

		out = append(out, describeProvider(cc.Cfg, p))
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, out)
	}

	headers := []string{"NAME", "FAMILY", "CREDENTIALS", "SCOPES", "TOKEN FILE"}
	rows := make([][]string, 0, len(out))

	for _, po := range out {
		creds := yesNo(po.Credentials)
		if !po.Credentials {
			creds += " (" + po.ClientIDVar + ")"
		}

		rows = append(rows, []string{po.Name, po.Family, creds, strings.Join(po.Scopes, " "), po.TokenFile})
	}

	printTable(cc.Out, headers, rows)

	return nil
}

func describeProvider(r *config.Resolved, p provider.Provider) providerOutput {
	classifier := p.Classifier
	if classifier == "" {
		classifier = "(family default)"
	}

	idVar, _ := config.CredentialVars(p.Name)

	return providerOutput{
		Name:        p.Name,
		Family:      string(p.Family),
		Classifier:  classifier,
		AuthURL:     p.AuthURL,
		TokenURL:    p.TokenURL,
		BaseURL:     p.BaseURL,
		Scopes:      p.Scopes,
		TokenFile:   r.TokenPath(p.Name),
		Credentials: p.HasCredentials(),
		ClientIDVar: idVar,
	}
}
