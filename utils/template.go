package utils

import (
	"bytes"
	"fmt"
	"text/template"

	"mailcadence/models"
)

// TemplateData is the field set exposed to step subject/body templates
type TemplateData struct {
	Email     string
	FirstName string
	LastName  string
	FullName  string
	Company   string
	Position  string
}

// RenderTemplate substitutes per-contact fields into a step template.
// Templates use the {{.FirstName}} style; unknown fields fail rather
// than silently rendering an empty placeholder.
func RenderTemplate(tmpl string, contact *models.Contact) (string, error) {
	t, err := template.New("step").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("error parsing template: %w", err)
	}

	data := TemplateData{
		Email:     contact.Email,
		FirstName: contact.FirstName,
		LastName:  contact.LastName,
		FullName:  contact.FullName(),
		Company:   contact.Company,
		Position:  contact.Position,
	}

	var body bytes.Buffer
	if err := t.Execute(&body, data); err != nil {
		return "", fmt.Errorf("error executing template: %w", err)
	}
	return body.String(), nil
}
