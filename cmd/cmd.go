// Package cmd implements the vattention command line interface.
package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/vattention/vattention/envconfig"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI creates the root command with all subcommands.
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "vattention",
		Short:         "Paged KV-cache memory allocator",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	serveCmd := newServeCmd()
	stateCmd := newStateCmd()
	freeCmd := newFreeCmd()
	simulateCmd := newSimulateCmd()

	envVars := envconfig.AsMap()

	appendEnvDocs(stateCmd, []envconfig.EnvVar{envVars["VATTN_HOST"]})
	appendEnvDocs(freeCmd, []envconfig.EnvVar{envVars["VATTN_HOST"]})
	appendEnvDocs(serveCmd, []envconfig.EnvVar{
		envVars["VATTN_DEBUG"],
		envVars["VATTN_HOST"],
		envVars["VATTN_ORIGINS"],
		envVars["VATTN_DEVICE"],
		envVars["VATTN_DEVICE_ID"],
		envVars["VATTN_PAGE_SIZE"],
		envVars["VATTN_POOL_BYTES"],
		envVars["VATTN_MOCK_VRAM"],
		envVars["VATTN_MAX_BATCH"],
		envVars["VATTN_CONTEXT_LENGTH"],
		envVars["VATTN_NUM_LAYERS"],
		envVars["VATTN_KV_HEADS"],
		envVars["VATTN_HEAD_SIZE"],
		envVars["VATTN_KV_DTYPE"],
		envVars["VATTN_MEGACACHE"],
		envVars["VATTN_EAGER_RECLAIM"],
	})
	appendEnvDocs(simulateCmd, []envconfig.EnvVar{
		envVars["VATTN_PAGE_SIZE"],
		envVars["VATTN_POOL_BYTES"],
		envVars["VATTN_MAX_BATCH"],
		envVars["VATTN_CONTEXT_LENGTH"],
		envVars["VATTN_NUM_LAYERS"],
		envVars["VATTN_KV_HEADS"],
		envVars["VATTN_HEAD_SIZE"],
		envVars["VATTN_KV_DTYPE"],
		envVars["VATTN_MEGACACHE"],
		envVars["VATTN_EAGER_RECLAIM"],
	})

	rootCmd.AddCommand(
		serveCmd,
		stateCmd,
		freeCmd,
		simulateCmd,
	)

	return rootCmd
}
