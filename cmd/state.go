package cmd

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/slotwatch/internal/domain/reservation"
	"github.com/example/slotwatch/internal/state"
)

func newStateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or correct persisted service cursors",
	}
	cmd.AddCommand(newStateListCmd(configPath))
	cmd.AddCommand(newStateSetCursorCmd(configPath))
	return cmd
}

func newStateListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the persisted cursor of every configured service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := context.Background()
			store, err := openStore(ctx, cfg, log, false)
			if err != nil {
				return err
			}
			defer store.Close()

			svcs, err := cfg.Services()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tNAME\tLAST REGISTERED\tPROCESSING\tTODAY\tSEQUENCE")
			for _, sc := range svcs {
				st, err := store.Load(ctx, sc.Key())
				if errors.Is(err, state.ErrNotFound) {
					fmt.Fprintf(w, "%s\t%s\t-\t-\t-\t-\n", sc.Key(), sc.ServiceName)
					continue
				}
				if err != nil {
					return fmt.Errorf("load %s: %w", sc.Key(), err)
				}
				last := "-"
				if st.LastRegisteredDate != nil {
					last = reservation.FormatDate(*st.LastRegisteredDate)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\n",
					sc.Key(), sc.ServiceName, last, reservation.FormatDate(st.ProcessingDate),
					st.ReservationsToday, sc.VisitsPerDay, st.Sequence)
			}
			return w.Flush()
		},
	}
}

func newStateSetCursorCmd(configPath *string) *cobra.Command {
	var channelID, serviceID, date string

	c := &cobra.Command{
		Use:   "set-cursor",
		Short: "Rewrite last_registered_date of one service; processing resumes the day after",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := reservation.ParseDate(date)
			if err != nil {
				return fmt.Errorf("invalid --date (want YYYY-MM-DD)")
			}
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			key := reservation.ServiceKey{ChannelID: channelID, ServiceID: serviceID}
			svcs, err := cfg.Services()
			if err != nil {
				return err
			}
			known := false
			for _, sc := range svcs {
				if sc.Key() == key {
					known = true
					break
				}
			}
			if !known {
				return fmt.Errorf("service %s is not configured", key)
			}

			ctx := context.Background()
			store, err := openStore(ctx, cfg, log, false)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Update(ctx, key, func(st *reservation.ServiceState) error {
				st.SetCursor(d)
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: last_registered_date=%s processing_date=%s\n",
				key, reservation.FormatDate(*st.LastRegisteredDate), reservation.FormatDate(st.ProcessingDate))
			return nil
		},
	}
	c.Flags().StringVar(&channelID, "channel", "", "channel id")
	c.Flags().StringVar(&serviceID, "service", "", "service id")
	c.Flags().StringVar(&date, "date", "", "last registered date YYYY-MM-DD")
	_ = c.MarkFlagRequired("channel")
	_ = c.MarkFlagRequired("service")
	_ = c.MarkFlagRequired("date")
	return c
}
