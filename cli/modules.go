package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/evflow/evflow/config"
	"github.com/evflow/evflow/module"
)

// DumpConfigAction prints the default configuration as JSON.
func DumpConfigAction(c *cli.Context) error {
	tree, err := defaultTree()
	if err != nil {
		return err
	}
	return tree.Save(c.App.Writer)
}

// ModulesAction lists the module nodes of every configured pipeline.
func ModulesAction(c *cli.Context) error {
	tree := config.NewTree()
	if path := c.String(configFlag); path != "" {
		if err := tree.LoadFile(path); err != nil {
			return err
		}
	}
	if err := applyDefaults(tree); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, modulesTable(tree).Render())
	return nil
}

func modulesTable(tree *config.Tree) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Pipeline", "ID", "Name", "Role", "Enabled", "Run at startup", "Log level"})
	for _, id := range pipelineIDs(tree) {
		pipeline := tree.Node(mainloopPath + strconv.Itoa(id) + "/")
		for _, node := range pipeline.Children() {
			moduleID, name, ok := strings.Cut(node.Name(), "-")
			if !ok {
				continue
			}
			role := module.RoleUnknown
			if st, found := lo.Find(stages, func(st stage) bool { return st.name == name }); found {
				role = st.role
			}
			enabled := node.GetBool(module.RunAtStartupKey)
			if node.Has(module.EnabledKey) {
				enabled = node.GetBool(module.EnabledKey)
			}
			t.AppendRow(table.Row{
				id, moduleID, name, role, enabled,
				node.GetBool(module.RunAtStartupKey), node.GetString(module.LogLevelKey),
			})
		}
	}
	return t
}
