package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func readPayload(payload string) (json.RawMessage, error) {
	if payload == "" {
		return nil, nil
	}
	if !json.Valid([]byte(payload)) {
		return nil, withExitCode(fmt.Errorf("payload is not valid JSON"), exitPayload)
	}
	return json.RawMessage(payload), nil
}

func getInvokeCmd(c *rootCommand) *cobra.Command {
	var payload, query string
	invokeCmd := &cobra.Command{
		Use:   "invoke FILE",
		Short: "Run source on a server without deploying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return withExitCode(err, exitInvalidArgs)
			}
			p, err := readPayload(payload)
			if err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			out, err := cl.InvokeSource(c.gs.ctx, string(source), p)
			if err != nil {
				return err
			}
			return printJSON(c.gs.stdout, out, query)
		},
	}
	invokeCmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload passed to the function")
	invokeCmd.Flags().StringVarP(&query, "query", "q", "", "print only the value at this path of the result")
	return invokeCmd
}

func getFunctionsCmd(c *rootCommand) *cobra.Command {
	functionsCmd := &cobra.Command{
		Use:   "functions",
		Short: "Manage functions on a server",
	}

	var name string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a function",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			out, err := cl.CreateFunction(c.gs.ctx, name)
			if err != nil {
				return err
			}
			return printJSON(c.gs.stdout, out, "")
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "function name (random when empty)")

	var deployID, protocol string
	deployCmd := &cobra.Command{
		Use:   "deploy FILE",
		Short: "Deploy FILE as the live version of a function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return withExitCode(err, exitInvalidArgs)
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			out, err := cl.Deploy(c.gs.ctx, deployID, string(source), protocol)
			if err != nil {
				return err
			}
			return printJSON(c.gs.stdout, out, "")
		},
	}
	deployCmd.Flags().StringVar(&deployID, "function-id", "", "function to deploy to")
	deployCmd.Flags().StringVar(&protocol, "protocol", "", "calling convention, payload (default) or legacy")
	_ = deployCmd.MarkFlagRequired("function-id")

	var invokeID, payload, query string
	invokeCmd := &cobra.Command{
		Use:   "invoke",
		Short: "Invoke the live deployment of a function",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := readPayload(payload)
			if err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			out, err := cl.Invoke(c.gs.ctx, invokeID, p)
			if err != nil {
				return err
			}
			return printJSON(c.gs.stdout, out, query)
		},
	}
	invokeCmd.Flags().StringVar(&invokeID, "function-id", "", "function to invoke")
	invokeCmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload passed to the function")
	invokeCmd.Flags().StringVarP(&query, "query", "q", "", "print only the value at this path of the result")
	_ = invokeCmd.MarkFlagRequired("function-id")

	getCmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show a function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			out, err := cl.GetFunction(c.gs.ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(c.gs.stdout, out, "")
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			out, err := cl.ListFunctions(c.gs.ctx)
			if err != nil {
				return err
			}
			return printJSON(c.gs.stdout, out, "")
		},
	}

	functionsCmd.AddCommand(createCmd, deployCmd, invokeCmd, getCmd, listCmd)
	return functionsCmd
}
