package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"

	"github.com/gwillem/robstride/pkg/robstride"
)

type ZeroCommand struct {
	CommonOptions
	All bool `long:"all" description:"Zero every configured motor without asking"`
}

// Execute rewrites the position reference of the chosen motors to wherever
// they physically are right now. Done with the motors held in the desired
// neutral pose.
func (c *ZeroCommand) Execute(args []string) error {
	cfg := c.loadConfig()
	defs, err := cfg.MotorDefs()
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render("Robstride Zero"))
	fmt.Println()

	ids := sortedMotorIDs(defs)
	if !c.All {
		ids = c.pickMotors(defs)
		if len(ids) == 0 {
			fmt.Println("Nothing selected.")
			return nil
		}
	}

	fmt.Println("Hold the selected motors in their neutral pose.")
	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Zero %d motor(s) at their current position?", len(ids))).
				Affirmative("Zero now").
				Negative("Cancel").
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil || !confirmed {
		fmt.Println("Cancelled.")
		return nil
	}

	driver, transport := c.openDriver(cfg)
	defer transport.Close()

	fbs, err := driver.SetZero(ids...)
	if err != nil {
		return err
	}
	// Leave the motors limp; zeroing is a bench procedure.
	if _, err := driver.Reset(ids...); err != nil {
		return err
	}

	fmt.Println()
	for _, id := range ids {
		if fb, ok := fbs[id]; ok {
			fmt.Printf("  %s zeroed (now reads %+.3f rad)\n",
				motorLabel(id, defs[id]), fb.Position)
		} else {
			fmt.Println("  " + warnStyle.Render(fmt.Sprintf(
				"%s did not answer", motorLabel(id, defs[id]))))
		}
	}
	fmt.Println()
	fmt.Println(successStyle.Render("Done."))
	return nil
}

func (c *ZeroCommand) pickMotors(defs map[uint8]robstride.MotorDef) []uint8 {
	options := make([]huh.Option[uint8], 0, len(defs))
	for _, id := range sortedMotorIDs(defs) {
		options = append(options, huh.NewOption(motorLabel(id, defs[id]), id))
	}

	var picked []uint8
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[uint8]().
				Title("Which motors should be zeroed?").
				Options(options...).
				Value(&picked),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	return picked
}
