package auth

import (
	"html/template"
)

// CSRFHiddenField renders the token as a hidden form input
func CSRFHiddenField(fieldName, token string) template.HTML {
	return template.HTML(`<input type="hidden" name="` + template.HTMLEscapeString(fieldName) +
		`" value="` + template.HTMLEscapeString(token) + `">`)
}

// CSRFMetaTag renders the token for scripts that send X-CSRF-Token
func CSRFMetaTag(token string) template.HTML {
	return template.HTML(`<meta name="csrf-token" content="` + template.HTMLEscapeString(token) + `">`)
}

// TemplateFuncs exposes the helpers to html/template
func TemplateFuncs() template.FuncMap {
	return template.FuncMap{
		"csrfField": CSRFHiddenField,
		"csrfMeta":  CSRFMetaTag,
	}
}
