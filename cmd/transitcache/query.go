package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"transit-cache/internal/db"
	"transit-cache/internal/nextbus"
	"transit-cache/internal/router"
)

var (
	getColumns string
	getFilter  string
	getSort    string
	getDesc    bool

	savedKey nextbus.SavedStopKey
)

var getCmd = &cobra.Command{
	Use:   "get <address>",
	Short: "Read an address, filling the local cache from the feed as needed",
	Example: `  transitcache get agencies
  transitcache get agencies/ttc/routes/506/directions --columns tag,name
  transitcache get agencies/ttc/routes --filter "title:like:5%" --sort title --desc`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := selection(getColumns, getFilter, getSort, getDesc)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		rs, err := a.prov.Query(cmd.Context(), args[0], sel)
		if err != nil {
			return err
		}
		if rs == nil {
			return fmt.Errorf("no resource at %q", args[0])
		}
		return printJSON(cmd.OutOrStdout(), rs)
	},
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Bookmark a stop served by a direction",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		addr, err := a.prov.Insert(cmd.Context(), router.SavedStops().String(), savedKey)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), addr)
		return nil
	},
}

var unsaveCmd = &cobra.Command{
	Use:   "unsave",
	Short: "Remove a stop bookmark",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.prov.Delete(cmd.Context(), router.SavedStops().String(), savedKey)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]bool{"removed": removed})
	},
}

var typeCmd = &cobra.Command{
	Use:   "type <address>",
	Short: "Print the content type of an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := router.Match(args[0])
		if addr.Kind == router.KindNone {
			return fmt.Errorf("no resource at %q", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), addr.ContentType())
		return nil
	},
}

func init() {
	getCmd.Flags().StringVarP(&getColumns, "columns", "c", "", "comma-separated columns to return")
	getCmd.Flags().StringVarP(&getFilter, "filter", "f", "", "filter as column:op:value")
	getCmd.Flags().StringVar(&getSort, "sort", "", "column to sort by")
	getCmd.Flags().BoolVar(&getDesc, "desc", false, "sort descending")

	for _, c := range []*cobra.Command{saveCmd, unsaveCmd} {
		c.Flags().StringVar(&savedKey.AgencyTag, "agency", "", "agency tag")
		c.Flags().StringVar(&savedKey.RouteTag, "route", "", "route tag")
		c.Flags().StringVar(&savedKey.DirectionTag, "direction", "", "direction tag")
		c.Flags().StringVar(&savedKey.StopTag, "stop", "", "stop tag")
		for _, f := range []string{"agency", "route", "direction", "stop"} {
			_ = c.MarkFlagRequired(f)
		}
	}

	rootCmd.AddCommand(getCmd, saveCmd, unsaveCmd, typeCmd)
}

func selection(columns, filter, sort string, desc bool) (db.Selection, error) {
	sel := db.Selection{Sort: sort, Desc: desc}
	for _, c := range strings.Split(columns, ",") {
		if c = strings.TrimSpace(c); c != "" {
			sel.Columns = append(sel.Columns, c)
		}
	}
	if filter != "" {
		f, err := db.ParsePredicate(filter)
		if err != nil {
			return sel, err
		}
		sel.Filter = f
	}
	return sel, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
