package main

import (
	"github.com/spf13/cobra"

	"github.com/ahwlsqja/ledgerpool/ledger"
)

// newBuildCmd prints unsigned ledger requests ready for submit.
func newBuildCmd() *cobra.Command {
	var submitter string
	build := &cobra.Command{
		Use:   "build",
		Short: "Print a ledger request",
	}
	build.PersistentFlags().StringVar(&submitter, "submitter", "", "DID of the submitter")
	_ = build.MarkPersistentFlagRequired("submitter")

	// leaf wires one builder to its flags
	leaf := func(use, short string, bind func(*cobra.Command) func() ([]byte, error)) *cobra.Command {
		cmd := &cobra.Command{Use: use, Short: short, Args: cobra.NoArgs}
		run := bind(cmd)
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			req, err := run()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), req)
		}
		return cmd
	}

	build.AddCommand(
		leaf("nym", "NYM: create or update a DID", func(c *cobra.Command) func() ([]byte, error) {
			target := c.Flags().String("target", "", "target DID")
			verkey := c.Flags().String("verkey", "", "verification key")
			alias := c.Flags().String("alias", "", "alias")
			role := c.Flags().String("role", "", "role: 0 (trustee), 2 (steward) or 101 (trust anchor)")
			return func() ([]byte, error) {
				return ledger.BuildNymRequest(submitter, *target, *verkey, *alias, *role)
			}
		}),
		leaf("get-nym", "GET_NYM: read a DID", func(c *cobra.Command) func() ([]byte, error) {
			target := c.Flags().String("target", "", "target DID")
			return func() ([]byte, error) {
				return ledger.BuildGetNymRequest(submitter, *target)
			}
		}),
		leaf("attrib", "ATTRIB: attach an attribute to a DID", func(c *cobra.Command) func() ([]byte, error) {
			target := c.Flags().String("target", "", "target DID")
			hash := c.Flags().String("hash", "", "attribute hash")
			raw := c.Flags().String("raw", "", "raw attribute JSON")
			enc := c.Flags().String("enc", "", "encrypted attribute")
			return func() ([]byte, error) {
				return ledger.BuildAttribRequest(submitter, *target, *hash, *raw, *enc)
			}
		}),
		leaf("get-attr", "GET_ATTR: read an attribute", func(c *cobra.Command) func() ([]byte, error) {
			target := c.Flags().String("target", "", "target DID")
			name := c.Flags().String("name", "", "attribute name")
			return func() ([]byte, error) {
				return ledger.BuildGetAttribRequest(submitter, *target, *name)
			}
		}),
		leaf("schema", "SCHEMA: publish a schema", func(c *cobra.Command) func() ([]byte, error) {
			data := c.Flags().String("data", "", "schema JSON")
			return func() ([]byte, error) {
				return ledger.BuildSchemaRequest(submitter, *data)
			}
		}),
		leaf("get-schema", "GET_SCHEMA: read a schema", func(c *cobra.Command) func() ([]byte, error) {
			dest := c.Flags().String("dest", "", "DID of the schema author")
			data := c.Flags().String("data", "", `schema key JSON ({"name":..,"version":..})`)
			return func() ([]byte, error) {
				return ledger.BuildGetSchemaRequest(submitter, *dest, *data)
			}
		}),
		leaf("claim-def", "CLAIM_DEF: publish a claim definition", func(c *cobra.Command) func() ([]byte, error) {
			ref := c.Flags().Int("ref", 0, "sequence number of the schema")
			sigType := c.Flags().String("signature-type", "CL", "signature type")
			data := c.Flags().String("data", "", "public key JSON")
			return func() ([]byte, error) {
				return ledger.BuildClaimDefRequest(submitter, *ref, *sigType, *data)
			}
		}),
		leaf("get-claim-def", "GET_CLAIM_DEF: read a claim definition", func(c *cobra.Command) func() ([]byte, error) {
			ref := c.Flags().Int("ref", 0, "sequence number of the schema")
			sigType := c.Flags().String("signature-type", "CL", "signature type")
			origin := c.Flags().String("origin", "", "DID of the issuer")
			return func() ([]byte, error) {
				return ledger.BuildGetClaimDefRequest(submitter, *ref, *sigType, *origin)
			}
		}),
		leaf("node", "NODE: add or update a validator", func(c *cobra.Command) func() ([]byte, error) {
			target := c.Flags().String("target", "", "node verification key")
			data := c.Flags().String("data", "", "node data JSON")
			return func() ([]byte, error) {
				return ledger.BuildNodeRequest(submitter, *target, *data)
			}
		}),
		leaf("get-txn", "GET_TXN: read a transaction by sequence number", func(c *cobra.Command) func() ([]byte, error) {
			seqNo := c.Flags().Int("seq-no", 0, "sequence number")
			return func() ([]byte, error) {
				return ledger.BuildGetTxnRequest(submitter, *seqNo)
			}
		}),
		leaf("get-ddo", "GET_DDO: read the DDO of a DID", func(c *cobra.Command) func() ([]byte, error) {
			target := c.Flags().String("target", "", "target DID")
			return func() ([]byte, error) {
				return ledger.BuildGetDdoRequest(submitter, *target)
			}
		}),
	)
	return build
}
