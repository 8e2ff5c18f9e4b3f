package core

import (
	"fmt"

	"github.com/signrover/signrover/log"

	"github.com/fatih/color"
)

const VERSION = "1.2.0"

func putAsciiArt(s string) {
	for _, c := range s {
		d := string(c)
		switch c {
		case '_', '|', '\\', '/', '(', ')':
			color.Set(color.FgHiGreen)
		default:
			color.Set(color.FgGreen, color.Bold)
		}
		fmt.Print(d)
		color.Unset()
	}
}

func printLogo() {
	art := `
     _
 ___(_) __ _ _ __  _ __ _____   _____ _ __
/ __| |/ _` + "`" + ` | '_ \| '__/ _ \ \ / / _ \ '__|
\__ \ | (_| | | | | | | (_) \ V /  __/ |
|___/_|\__, |_| |_|_|  \___/ \_/ \___|_|
       |___/
`
	putAsciiArt(art)
}

func Banner() {
	printLogo()
	log.Printf("\n")
	log.Printf("         %s", color.New(color.FgHiWhite).Sprint("daily check-in orchestrator"))
	log.Printf("\n")
	log.Printf("                %s: %s\n", color.New(color.Faint).Sprint("version"), color.New(color.FgHiGreen).Sprint(VERSION))
	log.Printf("\n")
}
