// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command stackchat answers natural-language questions against a CMS
// content source through its content-tool server.
//
// Usage:
//
//	stackchat query --tenant acme --source-key $STACK_KEY "show me the blog posts"
//	stackchat tools --tenant acme --source-key $STACK_KEY
//	stackchat schema
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	stackchat "github.com/kadirpekel/stackchat"
	"github.com/kadirpekel/stackchat/pkg/config"
	"github.com/kadirpekel/stackchat/pkg/logger"
	"github.com/kadirpekel/stackchat/pkg/observability"
	"github.com/kadirpekel/stackchat/pkg/pipeline"
)

// CLI defines the command-line interface.
type CLI struct {
	Query   QueryCmd   `cmd:"" help:"Ask a question against a content source."`
	Tools   ToolsCmd   `cmd:"" help:"List the read-only tools available for a content source."`
	Schema  SchemaCmd  `cmd:"" help:"Generate JSON Schema for the config file."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose, or custom)." default:"simple"`
	LogFile   string `help:"Log file path (empty = stderr)."`
}

func (c *CLI) loadConfig() (*config.Config, error) {
	if c.Config == "" {
		return config.Default(), nil
	}
	return config.LoadFile(c.Config)
}

// QueryCmd streams an answer for one question.
type QueryCmd struct {
	Question string `arg:"" help:"The question to answer."`

	Tenant    string `required:"" help:"Tenant identifier."`
	SourceKey string `name:"source-key" required:"" help:"Content source API key."`
	ProjectID string `name:"project-id" help:"Optional project scoping."`
	Session   string `help:"Session id to continue a conversation."`
	Provider  string `help:"Preferred generation provider (defaults to the first configured one)."`
	Model     string `help:"Requested model (substituted per provider when not valid)."`
	Observe   bool   `help:"Enable tracing to stdout."`
}

func (c *QueryCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if c.Observe {
		if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
			Enabled:     true,
			ServiceName: observability.DefaultServiceName,
		}); err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	provider := c.Provider
	if provider == "" && len(cfg.Fallback) > 0 {
		provider = cfg.Fallback[0]
	}

	ch, err := p.Query(ctx, pipeline.Request{
		TenantID:  c.Tenant,
		SourceKey: c.SourceKey,
		ProjectID: c.ProjectID,
		SessionID: c.Session,
		Query:     c.Question,
		Provider:  provider,
		Model:     c.Model,
	})
	if err != nil {
		return err
	}

	for chunk := range ch {
		switch chunk.Type {
		case pipeline.ChunkStatus:
			fmt.Fprintf(os.Stderr, "… %s\n", chunk.Text)
		case pipeline.ChunkText:
			fmt.Print(chunk.Text)
		case pipeline.ChunkDone:
			fmt.Println()
			fmt.Fprintf(os.Stderr, "session: %s\n", chunk.SessionID)
		}
	}
	return nil
}

// ToolsCmd prints the filtered tool catalog.
type ToolsCmd struct {
	Tenant    string `required:"" help:"Tenant identifier."`
	SourceKey string `name:"source-key" required:"" help:"Content source API key."`
}

func (c *ToolsCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	catalog, err := p.ToolCatalog(context.Background(), c.Tenant, c.SourceKey)
	if err != nil {
		return err
	}

	for _, tool := range catalog {
		fmt.Printf("%-25s %s\n", tool.Name, tool.Description)
	}
	return nil
}

// SchemaCmd prints the config JSON schema to stdout.
type SchemaCmd struct{}

func (c *SchemaCmd) Run(cli *CLI) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(stackchat.GetVersion().String())
	return nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("stackchat"),
		kong.Description("stackchat - grounded conversational access to CMS content"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
