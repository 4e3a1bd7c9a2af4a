package api

import (
	"regexp"
)

// maxNameLen is the maximum length for an extension display name.
const maxNameLen = 200

// maxPasswordLen is the maximum length for SIP passwords.
const maxPasswordLen = 256

// extensionRe validates extension numbers: digits only, 1-20 chars.
var extensionRe = regexp.MustCompile(`^\d{1,20}$`)

// pinRe validates voicemail PINs: digits only, 4-20 chars.
var pinRe = regexp.MustCompile(`^\d{4,20}$`)

// validateExtensionNumber checks that an extension number is digits only.
func validateExtensionNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !extensionRe.MatchString(value) {
		return field + " must contain only digits (max 20)"
	}
	return ""
}

// validatePIN checks a PIN is digits-only and between 4-20 chars.
// Empty PINs are allowed; the mailbox menu is then inaccessible.
func validatePIN(field, value string) string {
	if value == "" {
		return ""
	}
	if !pinRe.MatchString(value) {
		return field + " must be 4-20 digits"
	}
	return ""
}

// validateExtensionRequest checks an extension create/update body.
// isCreate controls whether the SIP password is mandatory.
func validateExtensionRequest(req extensionRequest, isCreate bool) string {
	if isCreate {
		if errMsg := validateExtensionNumber("extension", req.Extension); errMsg != "" {
			return errMsg
		}
		if req.Name == "" {
			return "name is required"
		}
		if req.SIPPassword == "" {
			return "sip_password is required"
		}
	}
	if len(req.Name) > maxNameLen {
		return "name exceeds maximum length"
	}
	if len(req.SIPPassword) > maxPasswordLen {
		return "sip_password exceeds maximum length"
	}
	if errMsg := validatePIN("voicemail_pin", req.VoicemailPIN); errMsg != "" {
		return errMsg
	}
	return ""
}
