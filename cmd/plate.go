package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtool/plate"
)

func newPlateCommand(a *app) *cobra.Command {
	var ocr plate.Tesseract
	cmd := &cobra.Command{
		Use:   "plate <image>",
		Short: "Read the license plate text from a JPEG, PNG or BMP image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ocr.Logger = a.logger
			text, err := plate.NewRecognizer(nil, ocr, a.logger).Detect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVar(&ocr.Path, "tesseract", "tesseract", "Path to the tesseract binary")
	cmd.Flags().IntVar(&ocr.PageSegMode, "psm", 7, "Tesseract page segmentation mode")
	cmd.Flags().StringVar(&ocr.Language, "lang", "", "Tesseract language, e.g. eng")
	return cmd
}
