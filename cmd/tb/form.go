package main

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/tombolacan/tombola/internal/record"
)

// minAmount is the smallest purchase amount (FCFA) that qualifies.
const minAmount = 50000

// Upper bounds (FCFA, inclusive) of the prize categories.
const (
	salonMax   = 149999
	cuisineMax = 299999
)

// category is the prize tier a purchase amount enters.
type category struct {
	label       string
	description string
}

var (
	categorySalon   = category{"SALON", "Équipement salon complet"}
	categoryCuisine = category{"CUISINE", "Cuisine complète"}
	categoryMaison  = category{"MAISON", "Électroménager maison complète"}
)

// categoryForAmount returns the prize category for amount, or false below
// the minimum.
func categoryForAmount(amount int64) (category, bool) {
	switch {
	case amount < minAmount:
		return category{}, false
	case amount > cuisineMax:
		return categoryMaison, true
	case amount > salonMax:
		return categoryCuisine, true
	default:
		return categorySalon, true
	}
}

var (
	phonePattern = regexp.MustCompile(`^(01|05|07)\d{8}$`)
	namePattern  = regexp.MustCompile(`^[\p{L}\s'-]+$`)
)

// submission holds raw form input before it becomes a record.
type submission struct {
	invoice   string
	lastName  string
	firstName string
	phone     string
	amount    string
	photo     string
}

func (s *submission) complete() bool {
	return s.invoice != "" && s.lastName != "" && s.firstName != "" && s.phone != "" && s.amount != ""
}

// validate applies the point-of-sale form rules.
func (s *submission) validate() error {
	checks := []error{
		validateRequired(s.invoice),
		validateName(s.lastName),
		validateName(s.firstName),
		validatePhone(s.phone),
		validateAmount(s.amount),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

// fields converts validated input into record fields.
func (s *submission) fields(siteID, operator string) record.Fields {
	amount, _ := strconv.ParseInt(strings.TrimSpace(s.amount), 10, 64)
	return record.Fields{
		LastName:  strings.TrimSpace(s.lastName),
		FirstName: strings.TrimSpace(s.firstName),
		Phone:     cleanPhone(s.phone),
		Amount:    amount,
		SiteID:    siteID,
		Operator:  operator,
	}
}

// attachment reads the optional invoice photo.
func (s *submission) attachment() ([]byte, error) {
	if strings.TrimSpace(s.photo) == "" {
		return nil, nil
	}
	// #nosec G304 - path supplied by the operator
	data, err := os.ReadFile(strings.TrimSpace(s.photo))
	if err != nil {
		return nil, fmt.Errorf("failed to read photo: %w", err)
	}
	return data, nil
}

// runForm prompts for every field, prefilled with what flags supplied.
func (s *submission) runForm() error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Invoice number").Value(&s.invoice).Validate(validateRequired),
			huh.NewInput().Title("Last name").Value(&s.lastName).Validate(validateName),
			huh.NewInput().Title("First name").Value(&s.firstName).Validate(validateName),
			huh.NewInput().Title("Phone").Placeholder("07 12 34 56 78").Value(&s.phone).Validate(validatePhone),
			huh.NewInput().Title("Amount (FCFA)").Value(&s.amount).Validate(validateAmount),
			huh.NewInput().Title("Invoice photo").Description("Path to a JPEG, optional").Value(&s.photo),
		),
	)
	return form.Run()
}

func validateRequired(v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("invoice number is required")
	}
	return nil
}

func validateName(v string) error {
	v = strings.TrimSpace(v)
	if len([]rune(v)) < 2 {
		return fmt.Errorf("name needs at least 2 characters")
	}
	if !namePattern.MatchString(v) {
		return fmt.Errorf("name %q contains invalid characters", v)
	}
	return nil
}

func cleanPhone(v string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(v))
}

func validatePhone(v string) error {
	if !phonePattern.MatchString(cleanPhone(v)) {
		return fmt.Errorf("phone must be 01, 05 or 07 followed by 8 digits")
	}
	return nil
}

func validateAmount(v string) error {
	amount, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fmt.Errorf("amount must be a whole number of FCFA")
	}
	if amount < minAmount {
		return fmt.Errorf("minimum amount is %d FCFA", minAmount)
	}
	return nil
}
