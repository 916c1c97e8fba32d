package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/prudhvinik1/devicepair/internal/pairclient"
	"github.com/spf13/cobra"
)

const expiredMessage = "pairing code expired, please try again"

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair this device with your account",
	Long: `Pair this device with your account.
Prints a code and a link; open the link while signed in and confirm the code.
An unfinished pairing is resumed while its code is still valid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")
		fresh, _ := cmd.Flags().GetBool("new")
		return runPair(cmd, wait, fresh)
	},
}

func init() {
	rootCmd.AddCommand(pairCmd)
	pairCmd.Flags().Duration("wait", 10*time.Minute, "how long to wait for the code to be confirmed")
	pairCmd.Flags().Bool("new", false, "discard any unfinished pairing and request a new code")
}

func runPair(cmd *cobra.Command, wait time.Duration, fresh bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	client, err := newClient(cmd)
	if err != nil {
		return err
	}

	state, err := client.State()
	if err != nil {
		return err
	}
	if state.Status == pairclient.StatusPaired && !fresh {
		fmt.Fprintf(out, "Already paired as %s. Use \"logout\" first to pair again.\n", state.UserEmail)
		return nil
	}

	var reg *pairclient.Registration
	if !fresh {
		if reg, err = client.PendingRegistration(); err != nil {
			return err
		}
	}
	if reg == nil {
		if reg, err = client.RegisterDevice(ctx); err != nil {
			return fmt.Errorf("failed to register device: %w", err)
		}
	}

	link, err := client.PairingURL(reg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Open %s\nand confirm the code %s\n", link, reg.Code)
	fmt.Fprintf(out, "Waiting for confirmation (code valid until %s)...\n", reg.ExpiresAt.Local().Format(time.Kitchen))

	result, err := client.PollExchangeUntilLinked(ctx, reg.DeviceID, reg.Code, pairclient.PollOptions{
		Interval: time.Duration(reg.Interval) * time.Second,
		MaxWait:  wait,
	})
	if errors.Is(err, pairclient.ErrExpired) || errors.Is(err, pairclient.ErrNotFound) {
		return errors.New(expiredMessage)
	}
	if err != nil {
		return err
	}

	switch result.Outcome {
	case pairclient.PollPaired:
		fmt.Fprintf(out, "Paired as %s.\n", result.Token.UserEmail)
		return nil
	default:
		return fmt.Errorf("not paired after %s; run \"pair\" again to keep waiting", wait)
	}
}
