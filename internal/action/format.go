package action

import "strings"

// GenericErrorKey is the translation key used when an error has no message.
const GenericErrorKey = "error.generic"

// FailureFormatter builds "<label>: <detail>" with label = t(labelKey). t is called on
// every failure, so a language change applies to the next one.
func FailureFormatter(labelKey string, t func(key string) string) Formatter {
	return func(err error) string {
		detail := ""
		if err != nil {
			detail = strings.TrimSpace(err.Error())
		}
		if detail == "" {
			detail = t(GenericErrorKey)
		}
		return t(labelKey) + ": " + detail
	}
}
