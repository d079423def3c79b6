package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

var jobKeyVersion string

var jobKeyCmd = &cobra.Command{
	Use:   "jobkey <collection> <key>",
	Short: "Print the job key of a source object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := domain.Source{Collection: args[0], Key: args[1], Version: jobKeyVersion}
		jobKey := source.JobKey()

		if outputJSON {
			return printJSON(map[string]string{
				"collection": source.Collection,
				"key":        source.Key,
				"version":    source.Version,
				"job_key":    jobKey.String(),
			})
		}
		fmt.Println(jobKey)
		return nil
	},
}

func init() {
	jobKeyCmd.Flags().StringVar(&jobKeyVersion, "version", "", "Object version, if the store is versioned")
	rootCmd.AddCommand(jobKeyCmd)
}
