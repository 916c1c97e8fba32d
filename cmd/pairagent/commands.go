package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/prudhvinik1/devicepair/internal/pairclient"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local pairing state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		state, err := client.State()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch state.Status {
		case pairclient.StatusPaired:
			fmt.Fprintf(out, "paired\nuser:    %s (%s)\ndevice:  %s\nexpires: %s\n",
				state.UserEmail, state.UserID, state.DeviceID, state.ExpiresAt.Local())
		case pairclient.StatusPending:
			fmt.Fprintf(out, "pending\ncode:    %s\nexpires: %s\n", state.Code, state.ExpiresAt.Local())
		default:
			fmt.Fprintln(out, "unpaired")
		}
		return nil
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch PATH",
	Short: "Send an authorized request and print the response body",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, _ := cmd.Flags().GetString("method")
		data, _ := cmd.Flags().GetString("data")

		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		var body io.Reader
		if data != "" {
			body = strings.NewReader(data)
		}
		resp, err := client.AuthorizedFetch(cmd.Context(), strings.ToUpper(method), args[0], body)
		if errors.Is(err, pairclient.ErrNotAuthenticated) {
			return errors.New("not paired, run \"pair\" first")
		}
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			fmt.Fprintf(os.Stderr, "\nserver returned %s\n", resp.Status)
			return fmt.Errorf("request failed with %d", resp.StatusCode)
		}
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rotate the device token now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		tok, err := client.Refresh(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "token refreshed, valid until %s\n", tok.ExpiresAt.Local())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the device token and forget it",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := client.Logout(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		if all {
			if err := client.ClearAll(); err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, fetchCmd, refreshCmd, logoutCmd)
	fetchCmd.Flags().StringP("method", "X", http.MethodGet, "HTTP method")
	fetchCmd.Flags().StringP("data", "d", "", "JSON request body")
	logoutCmd.Flags().Bool("all", false, "also forget the install id so this machine pairs as a new device")
}
