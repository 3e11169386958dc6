/*
Copyright © 2018-2023 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/apex/log"
	"github.com/blacktop/crashhook/internal/config"
	"github.com/blacktop/crashhook/pkg/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(storeCmd)
	storeCmd.AddCommand(storeLsCmd)
	storeCmd.AddCommand(storePruneCmd)
}

// storeCmd represents the store command
var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the diagnostics store",
}

func openStore() (*store.Store, error) {
	conf, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	st := store.New(conf.StoreDir)
	st.Retention = conf.Retention
	return st, nil
}

// storeLsCmd represents the store ls command
var storeLsCmd = &cobra.Command{
	Use:           "ls",
	Short:         "List stored diagnostic records",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		recs, err := st.List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			color.New(color.Bold).Sprint("TIMESTAMP"),
			color.New(color.Bold).Sprint("PID"),
			color.New(color.Bold).Sprint("FRAMES"),
			color.New(color.Bold).Sprint("MESSAGE"))
		for _, rec := range recs {
			msg := rec.Message
			if len(msg) > 60 {
				msg = msg[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
				rec.Timestamp.Format("2006-01-02T15:04:05Z"), rec.PID, len(rec.StackTrace), msg)
		}
		return nil
	},
}

// storePruneCmd represents the store prune command
var storePruneCmd = &cobra.Command{
	Use:           "prune",
	Short:         "Remove records older than the retention horizon",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		if err := st.Prune(); err != nil {
			return err
		}
		log.Info("diagnostics store pruned")
		return nil
	},
}
