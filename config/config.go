// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package config fills typed settings from environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

type PrintMode int

const (
	PrintSecret PrintMode = iota
	PrintAll
	PrintNothing
)

var Align = 0 // Cleartext alignment, if not set it is autodetected

type Config struct {
	Value        any       // Pointer to the setting
	DefaultValue any       // Default value if the variable is not set
	Help         string    // One line help
	Print        PrintMode // Print mode
	Required     bool      // If true, error out when not set
	Parse        func(envValue string) (any, error)
}

type CfgMap map[string]Config

func (c CfgMap) sortedKeys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
		Align = max(Align, len(k))
	}
	slices.Sort(keys)
	return keys
}

// Parse sets every value in c from its environment variable or its default.
// Variables are processed in name order.
func Parse(c CfgMap) error {
	for _, k := range c.sortedKeys() {
		if err := parseOne(k, c[k]); err != nil {
			return err
		}
	}
	return nil
}

func parseOne(k string, v Config) error {
	if v.Value == nil || reflect.TypeOf(v.Value).Kind() != reflect.Pointer {
		return fmt.Errorf("%v: value must be a pointer", k)
	}
	if reflect.TypeOf(v.Value).Elem() != reflect.TypeOf(v.DefaultValue) {
		return fmt.Errorf("%v: value not the same type as DefaultValue, "+
			"wanted %v got %v", k, reflect.TypeOf(v.Value).Elem(),
			reflect.TypeOf(v.DefaultValue))
	}
	value := reflect.ValueOf(v.Value).Elem()

	envValue := os.Getenv(k)
	if envValue == "" {
		if v.Required {
			return fmt.Errorf("%v: must be set", k)
		}
		value.Set(reflect.ValueOf(v.DefaultValue))
		return nil
	}

	if v.Parse != nil {
		val, err := v.Parse(envValue)
		if err != nil {
			return fmt.Errorf("invalid value for %v: %w", k, err)
		}
		if reflect.TypeOf(val) != value.Type() {
			return fmt.Errorf("%v: parse returned %T", k, val)
		}
		value.Set(reflect.ValueOf(val))
		return nil
	}

	// time.Duration is an int64, check it first.
	if value.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(envValue)
		if err != nil {
			return fmt.Errorf("invalid duration for %v: %w", k, err)
		}
		value.SetInt(int64(d))
		return nil
	}

	switch value.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(envValue, 10, value.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer for %v: %w", k, err)
		}
		value.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(envValue, 10, value.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid unsigned for %v: %w", k, err)
		}
		value.SetUint(n)

	case reflect.String:
		value.SetString(envValue)

	case reflect.Bool:
		b, err := strconv.ParseBool(envValue)
		if err != nil {
			return fmt.Errorf("invalid bool for %v: %w", k, err)
		}
		value.SetBool(b)

	case reflect.Slice:
		if value.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type for %v: %v", k,
				value.Type())
		}
		value.Set(reflect.ValueOf(strings.Split(envValue, ",")))

	default:
		return fmt.Errorf("unsupported type for %v: %v", k, value.Kind())
	}
	return nil
}

// PrintableConfig returns one aligned line per printable setting.
func PrintableConfig(c CfgMap) []string {
	keys := c.sortedKeys()
	p := make([]string, 0, len(keys))
	for _, key := range keys {
		switch c[key].Print {
		case PrintAll:
			val := reflect.ValueOf(c[key].Value).Elem()
			p = append(p, fmt.Sprintf("%-*s: %v", Align, key, val))
		case PrintSecret:
			p = append(p, fmt.Sprintf("%-*s: %v", Align, key, "********"))
		}
	}
	return p
}

// Help writes a usage line for every setting to w.
func Help(w io.Writer, c CfgMap) {
	for _, key := range c.sortedKeys() {
		required := ""
		if c[key].Required {
			required = "(required) "
		}
		def := ""
		if dv := c[key].DefaultValue; dv != nil && !reflect.ValueOf(dv).IsZero() {
			def = fmt.Sprintf("(default: %v)", dv)
		}
		fmt.Fprintf(w, "\t%-*s: %v %v%v\n", Align, key, c[key].Help,
			required, def)
	}
}
