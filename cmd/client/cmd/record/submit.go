package record

import (
	"fmt"

	"github.com/spf13/cobra"

	"fieldsync/cmd/client/cmd/types"
	"fieldsync/internal/domain/sync"
)

var (
	submitPayload    string
	submitFile       string
	submitDomainKey  string
	submitAttachment string
)

var SubmitCmd = &cobra.Command{
	Use:   "submit <type>",
	Short: "Create a record",
	Long: `Stores a new record locally and queues it for sending.

Report and markup types get a domain key (form_id or feature_id) generated
when neither --domain-key nor the payload carries one.`,
	Example: `  fieldsync record submit eod_report --payload '{"description":"culvert cleared"}'
  fieldsync record submit situation_report --file report.json --attachment photo.jpg`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}
		t, err := types.ParseType(args[0])
		if err != nil {
			return err
		}
		payload, err := types.ReadPayload(submitPayload, submitFile)
		if err != nil {
			return err
		}

		localID, err := app.Engine().Submit(cmd.Context(), t, sync.SubmitRequest{
			Payload:    payload,
			DomainKey:  submitDomainKey,
			Attachment: submitAttachment,
		})
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		fmt.Printf("Stored %s #%d\n", t, localID)

		return flush(cmd.Context(), app)
	},
}

func init() {
	SubmitCmd.Flags().StringVarP(&submitPayload, "payload", "p", "", "record payload as JSON")
	SubmitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "read the payload from a JSON file")
	SubmitCmd.Flags().StringVar(&submitDomainKey, "domain-key", "", "form or feature id")
	SubmitCmd.Flags().StringVar(&submitAttachment, "attachment", "", "path of a photo or document to send with the record")
	addSendFlag(SubmitCmd)
}
