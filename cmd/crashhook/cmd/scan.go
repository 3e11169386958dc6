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

	"github.com/apex/log"
	"github.com/blacktop/crashhook/pkg/image"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringP("symbol", "s", "___cxa_throw", "Raise symbol to look for")
	viper.BindPFlag("scan.symbol", scanCmd.Flags().Lookup("symbol"))
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:           "scan <MACHO> [MACHO...]",
	Short:         "Show which images bind the raise-exception symbol",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		target := viper.GetString("scan.symbol")

		for _, path := range args {
			img, err := image.Open(path, 0, nil)
			if err != nil {
				// A bad image never aborts the scan of the rest.
				log.WithError(err).WithField("image", path).Warn("skipping unreadable image")
				continue
			}
			found := false
			for _, tab := range img.Tables() {
				for i := 0; i < tab.Len(); i++ {
					name, ok := tab.SymbolName(i)
					if !ok || name != target {
						continue
					}
					found = true
					fmt.Printf("%s\t%s slot %d\t%s\n",
						color.New(color.Bold).Sprint(path),
						tab.Kind(), i,
						color.New(color.FgHiMagenta).Sprint(name))
					break
				}
				if found {
					break
				}
			}
			if !found {
				log.WithField("image", path).Debugf("%s not bound", target)
			}
		}

		return nil
	},
}
