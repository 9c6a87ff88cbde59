// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package request

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
)

// maxPartLineSize bounds one line read while scanning the spooled
// multipart body. Binary file content without line breaks is consumed in
// slices of this size.
const maxPartLineSize = 65536

// parseMultiPartFile scans the spooled body for parts delimited by the
// boundary. Form fields go into the parameter map; file parts are written
// to per-part temporary files that appear in the parameter map under their
// field name (value is the file name) and in the uploaded-file map.
func (r *Request) parseMultiPartFile() {
	r.logger.Debug("request: parsing multipart temp file")
	if _, err := r.tempFile.Seek(0, io.SeekStart); err != nil {
		r.logger.Error("request: cannot read temp file",
			slog.String("error", err.Error()))
		return
	}
	reader := bufio.NewReader(r.tempFile)
	boundaryLine := []byte("--" + r.boundary)
	finalBoundary := []byte(r.boundary + "--")

	finished := false
	for !finished {
		fieldName, fileName, eof := r.readPartHeaders(reader)
		if eof {
			break
		}

		var uploadedFile *os.File
		var fieldValue []byte
		for !finished {
			line, err := readPartLine(reader)
			if len(line) == 0 && err != nil {
				finished = true
				break
			}
			if bytes.HasPrefix(line, boundaryLine) {
				// Boundary found. Until now we have collected 2 bytes
				// too much, so remove them from the last result.
				if fileName == "" && fieldName != "" {
					// last field was a form field
					if len(fieldValue) >= 2 {
						fieldValue = fieldValue[:len(fieldValue)-2]
					}
					r.parameters[fieldName] = append(r.parameters[fieldName], string(fieldValue))
				} else if fileName != "" && fieldName != "" {
					// last field was a file
					if uploadedFile != nil {
						r.finishUploadedFile(fieldName, fileName, uploadedFile)
					} else {
						r.logger.Warn("request: format error, unexpected end of file data")
					}
				}
				if bytes.Contains(line, finalBoundary) {
					finished = true
				}
				break
			}
			if fileName == "" && fieldName != "" {
				// this is a form field.
				r.currentSize += int64(len(line))
				fieldValue = append(fieldValue, line...)
			} else if fileName != "" && fieldName != "" {
				// this is a file
				if uploadedFile == nil {
					file, cerr := os.CreateTemp("", "upload-")
					if cerr != nil {
						r.logger.Error("request: cannot create temp file for upload",
							slog.String("error", cerr.Error()))
						return
					}
					uploadedFile = file
				}
				if _, werr := uploadedFile.Write(line); werr != nil {
					r.logger.Error("request: error writing temp file",
						slog.String("error", werr.Error()))
				}
			}
			if err != nil {
				finished = true
			}
		}
	}
}

// readPartHeaders consumes the header lines of one part up to the blank
// separator line and extracts the field and file names from the
// Content-Disposition header.
func (r *Request) readPartHeaders(reader *bufio.Reader) (fieldName, fileName string, eof bool) {
	for {
		rawLine, err := readPartLine(reader)
		if len(rawLine) == 0 && err != nil {
			return fieldName, fileName, true
		}
		line := bytes.TrimSpace(rawLine)
		if strings.HasPrefix(string(line), "Content-Disposition:") {
			if bytes.Contains(line, []byte("form-data")) {
				fieldName = quotedToken(string(line), ` name="`)
				fileName = quotedToken(string(line), ` filename="`)
			}
		} else if len(line) == 0 {
			return fieldName, fileName, false
		}
		if err != nil {
			return fieldName, fileName, true
		}
	}
}

// finishUploadedFile strips the trailing CRLF that was collected before the
// boundary and registers the file under its field name. A part that ended
// without the CRLF is left as is instead of underflowing the resize.
func (r *Request) finishUploadedFile(fieldName, fileName string, file *os.File) {
	if info, err := file.Stat(); err == nil && info.Size() >= 2 {
		if err := file.Truncate(info.Size() - 2); err != nil {
			r.logger.Error("request: error truncating uploaded file",
				slog.String("error", err.Error()))
		}
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		r.logger.Error("request: error rewinding uploaded file",
			slog.String("error", err.Error()))
	}
	r.parameters[fieldName] = append(r.parameters[fieldName], fileName)
	r.logger.Debug("request: received uploaded file",
		slog.String("field", fieldName),
		slog.String("filename", fileName))
	r.uploadedFiles[fieldName] = file
}

// quotedToken extracts the quoted value following marker, e.g. the value
// of ` name="` inside a Content-Disposition header.
func quotedToken(line, marker string) string {
	start := strings.Index(line, marker)
	if start < 0 {
		return ""
	}
	start += len(marker)
	end := strings.Index(line[start:], `"`)
	if end < 0 {
		return ""
	}
	return line[start : start+end]
}

// readPartLine reads up to maxPartLineSize bytes including the trailing
// LF, if one occurs within the bound.
func readPartLine(reader *bufio.Reader) ([]byte, error) {
	var line []byte
	for len(line) < maxPartLineSize {
		b, err := reader.ReadByte()
		if err != nil {
			return line, err
		}
		line = append(line, b)
		if b == '\n' {
			break
		}
	}
	return line, nil
}
