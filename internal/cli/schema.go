// Package cli holds helpers shared by the docqa and docqad command trees.
package cli

import (
	"encoding/json"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const helpJSONFlag = "help-json"

// FlagSchema describes one command flag.
type FlagSchema struct {
	Name        string `json:"name"`
	Shorthand   string `json:"shorthand,omitempty"`
	Type        string `json:"type"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
	Inherited   bool   `json:"inherited,omitempty"`
}

// CommandSchema describes a command and its subcommands so scripts and
// agents can discover the CLI without parsing help text.
type CommandSchema struct {
	Name        string          `json:"name"`
	Path        string          `json:"path"`
	Use         string          `json:"use,omitempty"`
	Description string          `json:"description,omitempty"`
	Long        string          `json:"long,omitempty"`
	Runnable    bool            `json:"runnable"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

// GenerateSchema walks cmd and its visible subcommands.
func GenerateSchema(cmd *cobra.Command) CommandSchema {
	schema := CommandSchema{
		Name:        cmd.Name(),
		Path:        cmd.CommandPath(),
		Use:         cmd.Use,
		Description: cmd.Short,
		Long:        cmd.Long,
		Runnable:    cmd.Runnable(),
		Flags:       commandFlags(cmd),
	}

	for _, sub := range cmd.Commands() {
		if sub.Name() == "help" || sub.Name() == "completion" || sub.Hidden {
			continue
		}
		schema.Subcommands = append(schema.Subcommands, GenerateSchema(sub))
	}
	return schema
}

func commandFlags(cmd *cobra.Command) []FlagSchema {
	var flags []FlagSchema
	add := func(inherited bool) func(*pflag.Flag) {
		return func(f *pflag.Flag) {
			if f.Hidden || f.Name == helpJSONFlag || f.Name == "help" {
				return
			}
			flags = append(flags, FlagSchema{
				Name:        f.Name,
				Shorthand:   f.Shorthand,
				Type:        f.Value.Type(),
				Default:     f.DefValue,
				Description: f.Usage,
				Inherited:   inherited,
			})
		}
	}
	cmd.LocalFlags().VisitAll(add(false))
	cmd.InheritedFlags().VisitAll(add(true))
	return flags
}

// AddHelpJSONFlag adds the --help-json flag to root and every subcommand.
func AddHelpJSONFlag(root *cobra.Command) {
	root.PersistentFlags().Bool(helpJSONFlag, false, "Output command schema as JSON")
}

// HandleHelpJSON writes the schema of the command named by args when args
// contain --help-json. It runs before Execute so required arguments do not
// get in the way. The boolean reports whether the flag was present.
func HandleHelpJSON(root *cobra.Command, args []string, w io.Writer) (bool, error) {
	i := slices.Index(args, "--"+helpJSONFlag)
	if i < 0 {
		return false, nil
	}

	target := findTargetCommand(root, args[:i])
	output, err := json.MarshalIndent(GenerateSchema(target), "", "  ")
	if err != nil {
		return true, err
	}
	_, err = io.WriteString(w, string(output)+"\n")
	return true, err
}

// findTargetCommand descends through every argument that names a
// subcommand. Flags and their values are skipped.
func findTargetCommand(cmd *cobra.Command, args []string) *cobra.Command {
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		for _, sub := range cmd.Commands() {
			if sub.Name() == arg || sub.HasAlias(arg) {
				cmd = sub
				break
			}
		}
	}
	return cmd
}
