// Package api holds the GraphQL schema served by portal.
package api

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

// Version is reported by the apiVersion query.
const Version = "v1"

// Schema is the SDL the resolvers in internal/resolver are bound to.
//
//go:embed schema.graphql
var Schema string

// Banner is prepended to exported schema files.
const Banner = "" +
	"# Auto-generated file: DO NOT EDIT DIRECTLY!\n" +
	"#\n" +
	"# This file is generated by `portal export-schema`. The API itself is\n" +
	"# defined in `api/schema.graphql` and `internal/resolver`.\n"

// Export validates Schema and returns it formatted, prefixed with Banner.
func Export() (string, error) {
	src := &ast.Source{Name: "schema.graphql", Input: Schema}
	if _, err := gqlparser.LoadSchema(src); err != nil {
		return "", fmt.Errorf("validate schema: %w", err)
	}
	doc, err := parser.ParseSchema(src)
	if err != nil {
		return "", fmt.Errorf("parse schema: %w", err)
	}

	var b strings.Builder
	b.WriteString(Banner)
	b.WriteString("\n")
	formatter.NewFormatter(&b).FormatSchemaDocument(doc)
	return b.String(), nil
}
