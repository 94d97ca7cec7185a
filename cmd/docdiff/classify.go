package main

import (
	"github.com/spf13/cobra"

	"docdiff/classify"
	"docdiff/compare"
)

var classifyTask string

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Assign document roles to the files of a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws := compare.Workspace{Root: cfg.WorkspaceRoot}
		set, err := classify.Scan(ws.Dir(classifyTask), logger)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), set)
	},
}

func init() {
	classifyCmd.Flags().StringVarP(&classifyTask, "task", "t", "", "task id (required)")
	_ = classifyCmd.MarkFlagRequired("task")
	rootCmd.AddCommand(classifyCmd)
}
