// Package dlp screens staged uploads for blocked content before conversion.
package dlp
