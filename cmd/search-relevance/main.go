// Package main provides the search relevance CLI. It talks to a running
// server over its REST API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/o19s/search-relevance/internal/client"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "search-relevance",
		Short: "Search relevance evaluation CLI",
		Long: `Command line client for the search relevance server.

Typical workflow:
  search-relevance judgments create
  search-relevance querysets create --sampling pptss --size 100
  search-relevance experiments run --query-set <id> --judgments <id> --index products -f query.json`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "server base URL")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Minute, "request timeout")

	rootCmd.AddCommand(
		judgmentsCmd(),
		querySetsCmd(),
		experimentsCmd(),
		configsCmd(),
		historyCmd(),
		healthCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiClient(cmd *cobra.Command) *client.Client {
	baseURL, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return client.New(client.Config{BaseURL: baseURL, Timeout: timeout})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func judgmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "judgments",
		Short: "Manage implicit judgment sets",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Calculate implicit judgments from behavioral events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			model, _ := cmd.Flags().GetString("click-model")
			maxRank, _ := cmd.Flags().GetInt("max-rank")

			id, err := apiClient(cmd).CreateJudgments(cmd.Context(), model, maxRank)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"judgments_id": id})
		},
	}
	create.Flags().String("click-model", "coec", "click model to apply")
	create.Flags().Int("max-rank", 0, "deepest rank to consider (0 = server default)")

	deleteCmd := &cobra.Command{
		Use:   "delete <judgments-id>",
		Short: "Delete a judgment set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiClient(cmd).DeleteJudgments(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(create, deleteCmd)
	return cmd
}

func querySetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "querysets",
		Short: "Manage query sets",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Sample a query set from the query corpus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			description, _ := cmd.Flags().GetString("description")
			sampling, _ := cmd.Flags().GetString("sampling")
			size, _ := cmd.Flags().GetInt("size")
			seed, _ := cmd.Flags().GetInt64("seed")

			id, err := apiClient(cmd).CreateQuerySet(cmd.Context(), client.QuerySetParams{
				Name:        name,
				Description: description,
				Sampling:    sampling,
				Size:        size,
				Seed:        seed,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"query_set_id": id})
		},
	}
	create.Flags().String("name", "", "query set name")
	create.Flags().String("description", "", "query set description")
	create.Flags().String("sampling", "pptss", "sampling method (random, topn, pptss, all)")
	create.Flags().Int("size", 0, "number of queries to sample (0 = server default)")
	create.Flags().Int64("seed", 0, "random seed for repeatable samples")

	get := &cobra.Command{
		Use:   "get <query-set-id>",
		Short: "Show a query set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			querySet, err := apiClient(cmd).GetQuerySet(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(querySet)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <query-set-id>",
		Short: "Delete a query set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiClient(cmd).DeleteQuerySet(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(create, get, deleteCmd)
	return cmd
}

func experimentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiments",
		Short: "Run query set experiments",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run a query set against a live index and score the results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := client.ExperimentParams{}
			params.QuerySetID, _ = cmd.Flags().GetString("query-set")
			params.JudgmentsID, _ = cmd.Flags().GetString("judgments")
			params.Index, _ = cmd.Flags().GetString("index")
			params.IDField, _ = cmd.Flags().GetString("id-field")
			params.SearchPipeline, _ = cmd.Flags().GetString("pipeline")
			params.K, _ = cmd.Flags().GetInt("k")
			params.Threshold, _ = cmd.Flags().GetFloat64("threshold")
			params.SearchConfigurationID, _ = cmd.Flags().GetString("search-config")

			queryFile, _ := cmd.Flags().GetString("query-file")
			if queryFile != "" {
				var data []byte
				var err error
				if queryFile == "-" {
					data, err = io.ReadAll(os.Stdin)
				} else {
					data, err = os.ReadFile(queryFile)
				}
				if err != nil {
					return fmt.Errorf("reading query template: %w", err)
				}
				params.QueryBody = string(data)
			}

			result, err := apiClient(cmd).RunExperiment(cmd.Context(), params)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	run.Flags().String("query-set", "", "query set id (required)")
	run.Flags().String("judgments", "", "judgment set id (required)")
	run.Flags().String("index", "", "index to run queries against (required)")
	run.Flags().String("id-field", "", "source field holding the document id")
	run.Flags().String("pipeline", "", "search pipeline to apply")
	run.Flags().Int("k", 0, "result list depth (0 = server default)")
	run.Flags().Float64("threshold", 0, "relevance threshold for precision")
	run.Flags().StringP("query-file", "f", "", "query template file ('-' for stdin)")
	run.Flags().String("search-config", "", "stored search configuration id")

	cmd.AddCommand(run)
	return cmd
}

func configsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configs",
		Short: "Manage stored search configurations",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Store a reusable query template",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			queryFile, _ := cmd.Flags().GetString("query-file")

			data, err := os.ReadFile(queryFile)
			if err != nil {
				return fmt.Errorf("reading query template: %w", err)
			}

			id, err := apiClient(cmd).CreateSearchConfig(cmd.Context(), name, string(data))
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"id": id})
		},
	}
	create.Flags().String("name", "", "configuration name (required)")
	create.Flags().StringP("query-file", "f", "", "query template file (required)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored search configurations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configs, err := apiClient(cmd).ListSearchConfigs(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(configs)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <config-id>",
		Short: "Delete a stored search configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiClient(cmd).DeleteSearchConfig(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(create, list, deleteCmd)
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <metric>",
		Short: "Show recent run aggregates for a metric",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			since, _ := cmd.Flags().GetDuration("since")

			points, err := apiClient(cmd).RunHistory(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			return printJSON(points)
		},
	}
	cmd.Flags().Duration("since", 0, "history window (0 = server default)")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := apiClient(cmd).Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("search-relevance %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}
