package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/schedtest/schedtest/sched"
	"github.com/schedtest/schedtest/sched/verify"
)

// listCmd prints suite and test names without touching the scheduler
var listCmd = &cobra.Command{
	Use:   "list [suite...]",
	Short: "List suites, or the tests inside the given suites",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			for _, name := range verify.SuiteNames() {
				fmt.Println(name)
			}
			return
		}
		names := args
		if len(names) == 1 && names[0] == "all" {
			names = verify.SuiteNames()
		}
		// Suite construction wants a machine shape, but listing never
		// probes the scheduler. Assume the most permissive shape so the
		// htsharing tests show up too.
		ctl := sched.NewProcControl(procRoot)
		sys := verify.System{Physical: 2, Logical: 4, HTSharing: true}
		idx := 0
		for _, name := range names {
			tests, err := verify.BuildSuite(name, ctl, verify.DefaultConfig(), sys)
			if err != nil {
				logrus.Fatalf("%v", err)
			}
			fmt.Printf("%s:\n", name)
			for _, t := range tests {
				fmt.Printf("  [%d] %s\n", idx, t.Name())
				idx++
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
