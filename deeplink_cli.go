package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/transport"
)

// DeepLinkOptions describe a connect request rendered as a deep link.
type DeepLinkOptions struct {
	Endpoint     string
	AppName      string
	Origin       string
	Network      string
	RedirectURI  string
	Capabilities []string
	State        string
	PNGPath      string
}

// WriteConnectDeepLink builds the connect deep link of opts and renders it as
// a QR code to out. It returns the link and the state the wallet must echo.
func WriteConnectDeepLink(ctx context.Context, out io.Writer, opts DeepLinkOptions) (string, string, error) {
	network, err := core.ToNetworkID(opts.Network)
	if err != nil {
		return "", "", err
	}

	caps := make([]core.Capability, 0, len(opts.Capabilities))
	for _, c := range opts.Capabilities {
		capability := core.Capability(c)
		if !capability.Valid() {
			return "", "", fmt.Errorf("unknown capability: %s", c)
		}
		caps = append(caps, capability)
	}

	state := opts.State
	if state == "" {
		if state, err = transport.GenerateState(); err != nil {
			return "", "", err
		}
	}

	uri, err := transport.ConnectURI(opts.Endpoint, core.ConnectRequest{
		AppName:               opts.AppName,
		Origin:                opts.Origin,
		Network:               network,
		State:                 state,
		RedirectURI:           opts.RedirectURI,
		RequestedCapabilities: caps,
	})
	if err != nil {
		return "", "", err
	}

	launcher := transport.QRLauncher{Out: out, PNGPath: opts.PNGPath}
	if err := launcher.Launch(ctx, uri); err != nil {
		return "", "", err
	}
	return uri, state, nil
}

func newDeepLinkCmd() *cobra.Command {
	var opts DeepLinkOptions

	cmd := &cobra.Command{
		Use:   "deeplink <endpoint>",
		Short: "Render a wallet connect deep link as a QR code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Endpoint = args[0]
			_, state, err := WriteConnectDeepLink(cmd.Context(), cmd.OutOrStdout(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state: %s\n", state)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.AppName, "app", "canton-bridge", "application name shown by the wallet")
	flags.StringVar(&opts.Origin, "origin", "", "origin the session will be bound to")
	flags.StringVar(&opts.Network, "network", "devnet", "network name or CAIP-2 id")
	flags.StringVar(&opts.RedirectURI, "redirect", "", "URI the wallet calls back")
	flags.StringSliceVar(&opts.Capabilities, "capability", nil, "requested capability, repeatable")
	flags.StringVar(&opts.State, "state", "", "request state, generated when empty")
	flags.StringVar(&opts.PNGPath, "png", "", "also write the QR code to this PNG file")
	return cmd
}
