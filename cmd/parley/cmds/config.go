package cmds

import (
	"fmt"
	"io"
	"os"

	"github.com/go-go-golems/parley/pkg/connection"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// commands for manipulating the config file
//
// - print the effective connections
// - select the connection used by default
// - remove a connection

func NewConfigGroupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Commands for inspecting and editing the connection configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printConnections(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(NewSelectConnectionCommand())
	cmd.AddCommand(NewRemoveConnectionCommand())

	return cmd
}

func printConnections(w io.Writer) error {
	store, err := connection.LoadStore(viper.GetViper())
	if err != nil {
		return err
	}

	if f := viper.ConfigFileUsed(); f != "" {
		_, _ = fmt.Fprintf(w, "# %s\n", f)
	}
	selected := store.Selected()
	for _, c := range store.List() {
		marker := " "
		if selected != nil && selected.ID == c.ID {
			marker = "*"
		}
		endpoint, err := c.Endpoint()
		if err != nil {
			endpoint = "<invalid: " + err.Error() + ">"
		}
		_, _ = fmt.Fprintf(w, "%s %s (%s) %s model=%s\n", marker, c.ID, c.Kind, endpoint, c.Model)
		if c.Kind == connection.KindProxy {
			_, _ = fmt.Fprintf(w, "    proxy: %s\n", c.ProxyURL)
		}
		if len(c.Parameters) > 0 {
			out, err := yaml.Marshal(c.Parameters)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(w, "    parameters: %s", out)
		}
	}
	return nil
}

func NewSelectConnectionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select [id]",
		Short: "Set the connection used by default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := viper.ConfigFileUsed()
			if configFile == "" {
				return fmt.Errorf("no config file found")
			}

			root, err := readAndParseConfig(configFile)
			if err != nil {
				return err
			}
			if findConnection(findOrCreateNode(root, "connections", yaml.SequenceNode), args[0]) < 0 {
				return fmt.Errorf("connection %s not found in %s", args[0], configFile)
			}

			setScalar(root, "selected-connection", args[0])
			if err := writeConfig(configFile, root); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Selected connection %s.\n", args[0])
			return nil
		},
	}
	return cmd
}

func NewRemoveConnectionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove [ids...]",
		Short: "Remove connections from the config file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := viper.ConfigFileUsed()
			if configFile == "" {
				return fmt.Errorf("no config file found")
			}

			root, err := readAndParseConfig(configFile)
			if err != nil {
				return err
			}
			connections := findOrCreateNode(root, "connections", yaml.SequenceNode)

			removed := false
			for _, id := range args {
				if removeConnection(connections, id) {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed connection %s.\n", id)
					removed = true
				} else {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Connection %s not found. Skipping.\n", id)
				}
			}

			if removed {
				return writeConfig(configFile, root)
			}
			return nil
		},
	}
	return cmd
}

func documentMapping(root *yaml.Node) *yaml.Node {
	if root.Kind != yaml.DocumentNode {
		*root = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode}},
		}
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		root.Content = []*yaml.Node{{Kind: yaml.MappingNode}}
	}
	return root.Content[0]
}

// findOrCreateNode returns the value stored under key in the top-level
// mapping, replacing it with an empty node of kind if it has another kind.
func findOrCreateNode(root *yaml.Node, key string, kind yaml.Kind) *yaml.Node {
	mapNode := documentMapping(root)

	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		if mapNode.Content[i].Value == key {
			if mapNode.Content[i+1].Kind != kind {
				mapNode.Content[i+1] = &yaml.Node{Kind: kind}
			}
			return mapNode.Content[i+1]
		}
	}

	valueNode := &yaml.Node{Kind: kind}
	mapNode.Content = append(mapNode.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, valueNode)
	return valueNode
}

func setScalar(root *yaml.Node, key string, value string) {
	node := findOrCreateNode(root, key, yaml.ScalarNode)
	node.Tag = "!!str"
	node.Value = value
}

// findConnection returns the index of the connection with the given id in
// the connections sequence, -1 if there is none.
func findConnection(connections *yaml.Node, id string) int {
	for i, c := range connections.Content {
		if c.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(c.Content); j += 2 {
			if c.Content[j].Value == "id" && c.Content[j+1].Value == id {
				return i
			}
		}
	}
	return -1
}

func removeConnection(connections *yaml.Node, id string) bool {
	i := findConnection(connections, id)
	if i < 0 {
		return false
	}
	connections.Content = append(connections.Content[:i], connections.Content[i+1:]...)
	return true
}

func readAndParseConfig(configFile string) (*yaml.Node, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var root yaml.Node
	err = yaml.Unmarshal(data, &root)
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &root, nil
}

func writeConfig(configFile string, root *yaml.Node) error {
	f, err := os.Create(configFile)
	if err != nil {
		return fmt.Errorf("error opening config file for writing: %w", err)
	}
	defer f.Close()

	encoder := yaml.NewEncoder(f)
	encoder.SetIndent(2)
	err = encoder.Encode(root)
	if err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
