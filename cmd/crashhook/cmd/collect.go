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
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/blacktop/crashhook/internal/collector"
	"github.com/blacktop/crashhook/internal/config"
	"github.com/blacktop/crashhook/internal/settings"
	"github.com/blacktop/crashhook/pkg/correlate"
	"github.com/blacktop/crashhook/pkg/report"
	"github.com/blacktop/crashhook/pkg/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(collectCmd)
	collectCmd.Flags().Bool("auto-send", false, "Upload reports without waiting for authorization")
	collectCmd.Flags().String("report-url", "", "Crash reporting endpoint base URL")
	viper.BindPFlag("collect.auto-send", collectCmd.Flags().Lookup("auto-send"))
	viper.BindPFlag("report_url", collectCmd.Flags().Lookup("report-url"))
}

// collectCmd represents the collect command
var collectCmd = &cobra.Command{
	Use:           "collect",
	Short:         "Watch for aggregate payload deliveries and report crashes",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if err := conf.RequireReportURL(); err != nil {
			return err
		}

		st := store.New(conf.StoreDir)
		st.Retention = conf.Retention
		if err := st.Prepare(); err != nil {
			return err
		}

		set, err := settings.NewSqlite(conf.SettingsDB)
		if err != nil {
			return err
		}
		if err := set.Connect(); err != nil {
			return err
		}
		defer set.Close()

		autoSend := viper.GetBool("collect.auto-send")
		client := report.NewClient(conf.ReportURL)

		col := collector.New(
			correlate.New(st),
			set,
			client,
			func(pixels []map[string]string, payloads [][]byte, uploadReports func()) {
				for _, px := range pixels {
					log.WithFields(log.Fields{
						"appVersion": px["appVersion"],
						"code":       px["code"],
						"type":       px["type"],
						"signal":     px["signal"],
					}).Info("found crash report")
				}
				if autoSend {
					uploadReports()
				} else {
					log.Infof("holding %d payload(s); waiting for authorization", len(payloads))
				}
			},
			collector.WithAppVersion(conf.AppVersion),
			collector.WithCompletion(func(results []error) {
				for _, err := range results {
					if err != nil {
						log.WithError(err).Error("crash report not delivered")
					}
				}
			}),
		)
		if err := col.Start(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.WithFields(log.Fields{
			"inbox": conf.InboxDir,
			"store": conf.StoreDir,
		}).Info("watching for payload deliveries")

		return col.Watch(ctx, conf.InboxDir, st)
	},
}
