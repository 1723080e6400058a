package main

import (
	"fmt"
	"os"

	"github.com/gomlx/symba/pkg/checkpoint"
	"github.com/gomlx/symba/ui/commandline"
	"github.com/janpfeifer/must"
)

// Losses lists the loss histories of each checkpoint.
func Losses(records []*checkpoint.Record, names []string) {
	fmt.Println(titleStyle.Render("Losses"))
	for ii, record := range records {
		if len(records) > 1 {
			fmt.Println(sectionStyle.Render(names[ii]))
		}
		must.M(commandline.ReportLosses(os.Stdout, record))
	}
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("*"), italicStyle.Render("Epoch with the lowest validation loss, saved as the best checkpoint"))
	}
}
