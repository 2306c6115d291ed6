package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"storykeep/internal/compositor"
)

var (
	treeJSON   bool
	treeBefore bool
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Inspect and edit the compositor node tree",
}

var treeShowCmd = &cobra.Command{
	Use:   "show [node-id]",
	Short: "Print the tree, or the subtree under node-id",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(cmd, false, func(s *compositor.Store) error {
			start := s.RootID()
			if len(args) == 1 {
				start = args[0]
			}
			if _, ok := s.Node(start); !ok {
				if start == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "Empty tree")
					return nil
				}
				return fmt.Errorf("node not found: %s", start)
			}
			if treeJSON {
				return writeJSON(cmd.OutOrStdout(), subtree(s, start))
			}
			printTree(cmd.OutOrStdout(), s, start, 0)
			return nil
		})
	},
}

var treeInsertCmd = &cobra.Command{
	Use:   "insert <target-id> <mode>",
	Short: "Insert a starter element next to target-id (modes: " + strings.Join(compositor.ToolAddModes, ", ") + ")",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, mode := args[0], args[1]
		if !slices.Contains(compositor.ToolAddModes, mode) {
			return fmt.Errorf("unknown mode %q", mode)
		}
		return withTree(cmd, true, func(s *compositor.Store) error {
			perm := s.AllowInsert(target, mode)
			loc := compositor.LocationAfter
			allowed := perm.AllowInsertAfter
			if treeBefore {
				loc, allowed = compositor.LocationBefore, perm.AllowInsertBefore
			}
			if !allowed {
				return fmt.Errorf("cannot insert %s %s %s", mode, loc, target)
			}
			anchor := s.ResolveAnchor(target, mode)
			id, ok := s.AddTemplateNode(s.ParentOf(anchor), compositor.TemplateFor(mode), anchor, loc)
			if !ok {
				return fmt.Errorf("inserting %s next to %s failed", mode, target)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Inserted %s %s\n", mode, id)
			return nil
		})
	},
}

var treeMoveCmd = &cobra.Command{
	Use:   "move <node-id> <anchor-id>",
	Short: "Move a subtree after (or --before) anchor-id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(cmd, true, func(s *compositor.Store) error {
			loc := compositor.LocationAfter
			if treeBefore {
				loc = compositor.LocationBefore
			}
			if !s.MoveNode(args[0], args[1], loc) {
				return fmt.Errorf("cannot move %s %s %s", args[0], loc, args[1])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Moved %s\n", args[0])
			return nil
		})
	},
}

var treeDeleteCmd = &cobra.Command{
	Use:   "delete <node-id>",
	Short: "Delete a node and its subtree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(cmd, true, func(s *compositor.Store) error {
			removed := s.DeleteNode(args[0])
			if len(removed) == 0 {
				return fmt.Errorf("node not found: %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d nodes\n", len(removed))
			return nil
		})
	},
}

var treeImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Replace the tree with a JSON array of nodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}
		var nodes []compositor.Node
		if err := json.Unmarshal(data, &nodes); err != nil {
			return fmt.Errorf("decoding %s: %w", args[0], err)
		}
		return withTree(cmd, true, func(s *compositor.Store) error {
			s.BuildFromNodes(nodes)
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d nodes\n", s.Len(), len(nodes))
			return nil
		})
	},
}

func init() {
	treeShowCmd.Flags().BoolVar(&treeJSON, "json", false, "Output as JSON")
	treeInsertCmd.Flags().BoolVar(&treeBefore, "before", false, "Insert before the target")
	treeMoveCmd.Flags().BoolVar(&treeBefore, "before", false, "Move before the anchor")

	treeCmd.AddCommand(treeShowCmd, treeInsertCmd, treeMoveCmd, treeDeleteCmd, treeImportCmd)
	rootCmd.AddCommand(treeCmd)
}

// withTree loads the persisted tree, runs fn and saves the result when save
// is set and fn succeeded
func withTree(cmd *cobra.Command, save bool, fn func(*compositor.Store) error) error {
	d, err := OpenDatabase()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	s, err := compositor.LoadFromDB(ctx, d, cfg.CompositorStoreConfig(logger))
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	if !save {
		return nil
	}
	if err := compositor.SaveToDB(ctx, d, s); err != nil {
		return fmt.Errorf("saving tree: %w", err)
	}
	return nil
}

func subtree(s *compositor.Store, id string) []compositor.Node {
	n, _ := s.Node(id)
	out := []compositor.Node{n}
	for _, c := range s.GetChildNodeIDs(id) {
		out = append(out, subtree(s, c)...)
	}
	return out
}

func printTree(w io.Writer, s *compositor.Store, id string, depth int) {
	n, _ := s.Node(id)
	fmt.Fprintf(w, "%s%s %s\n", strings.Repeat("  ", depth), shortID(n.ID), nodeLabel(n))
	for _, c := range s.GetChildNodeIDs(id) {
		printTree(w, s, c, depth+1)
	}
}

func nodeLabel(n compositor.Node) string {
	switch {
	case n.NodeType == compositor.NodeTypeTagElement && n.TagName == "text":
		return fmt.Sprintf("%q", truncate(n.Copy, 40))
	case n.NodeType == compositor.NodeTypeTagElement:
		return "<" + n.TagName + ">"
	case n.Title != "":
		return string(n.NodeType) + " " + n.Title
	}
	return string(n.NodeType)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
