// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cookie implements the HTTP cookie value type used on both the
// request and the response side of the server.
package cookie

import (
	"log/slog"
	"strconv"
	"strings"
)

// Cookie holds the name, value and attributes of one HTTP cookie.
// The zero value has Version 0 and must not be sent; use New or Parse.
type Cookie struct {
	Name     string
	Value    string
	Comment  string
	Domain   string
	Path     string
	SameSite string
	// MaxAge is the lifetime in seconds. 0 means the cookie lives until
	// the browser session ends.
	MaxAge   int
	Secure   bool
	HttpOnly bool
	Version  int
}

// New creates a cookie with all attributes set and Version 1.
func New(name, value string, maxAge int, path, comment, domain string, secure, httpOnly bool, sameSite string) Cookie {
	return Cookie{
		Name:     name,
		Value:    value,
		Comment:  comment,
		Domain:   domain,
		MaxAge:   maxAge,
		Path:     path,
		Secure:   secure,
		HttpOnly: httpOnly,
		SameSite: sameSite,
		Version:  1,
	}
}

// Parse decodes the value of a Set-Cookie header line. Decoding never
// fails: unknown attributes beyond the first name=value pair are discarded
// with a warning.
func Parse(source string) Cookie {
	c := Cookie{Version: 1}
	for _, part := range SplitCSV(source) {
		name, value := splitPair(part)
		switch name {
		case "Comment":
			c.Comment = value
		case "Domain":
			c.Domain = value
		case "Max-Age":
			c.MaxAge, _ = strconv.Atoi(value)
		case "Path":
			c.Path = value
		case "Secure":
			c.Secure = true
		case "HttpOnly":
			c.HttpOnly = true
		case "SameSite":
			c.SameSite = value
		case "Version":
			c.Version, _ = strconv.Atoi(value)
		default:
			if c.Name == "" {
				c.Name = name
				c.Value = value
			} else {
				slog.Warn("cookie: ignoring unknown attribute",
					slog.String("name", name),
					slog.String("value", value))
			}
		}
	}
	return c
}

// Encode serializes the cookie for a Set-Cookie header. Only non-empty and
// non-default attributes are emitted; the Version attribute is always last.
func (c Cookie) Encode() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	b.WriteString(c.Value)
	if c.Comment != "" {
		b.WriteString("; Comment=")
		b.WriteString(c.Comment)
	}
	if c.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(c.Domain)
	}
	if c.MaxAge != 0 {
		b.WriteString("; Max-Age=")
		b.WriteString(strconv.Itoa(c.MaxAge))
	}
	if c.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(c.Path)
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.HttpOnly {
		b.WriteString("; HttpOnly")
	}
	if c.SameSite != "" {
		b.WriteString("; SameSite=")
		b.WriteString(c.SameSite)
	}
	b.WriteString("; Version=")
	b.WriteString(strconv.Itoa(c.Version))
	return b.String()
}

// SplitCSV splits a cookie header line on ';', treating ';' inside
// double-quoted regions as literal. The quotes themselves are not part of
// the result, and each part is trimmed. Empty parts are skipped.
func SplitCSV(source string) []string {
	var list []string
	var buffer strings.Builder
	inString := false
	for i := 0; i < len(source); i++ {
		c := source[i]
		if inString {
			if c == '"' {
				inString = false
			} else {
				buffer.WriteByte(c)
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case ';':
			if trimmed := strings.TrimSpace(buffer.String()); trimmed != "" {
				list = append(list, trimmed)
			}
			buffer.Reset()
		default:
			buffer.WriteByte(c)
		}
	}
	if trimmed := strings.TrimSpace(buffer.String()); trimmed != "" {
		list = append(list, trimmed)
	}
	return list
}

// splitPair splits "name=value" at the first '='. A part without '=' yields
// an empty value.
func splitPair(part string) (string, string) {
	if posi := strings.IndexByte(part, '='); posi > 0 {
		return strings.TrimSpace(part[:posi]), strings.TrimSpace(part[posi+1:])
	}
	return strings.TrimSpace(part), ""
}
