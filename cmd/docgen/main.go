// Command docgen builds docs/api.adoc from the @Title/@Route/@Description/
// @Response annotations on the HTTP handlers in internal/api.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type Endpoint struct {
	Title       string
	Route       string
	Description string
	Response    string
}

var (
	reTitle = regexp.MustCompile(`// @Title: (.*)`)
	reRoute = regexp.MustCompile(`// @Route: (.*)`)
	reDesc  = regexp.MustCompile(`// @Description: (.*)`)
	reResp  = regexp.MustCompile(`// @Response: (.*)`)
)

func main() {
	apiDir := flag.String("api", "internal/api", "directory holding the annotated handlers")
	out := flag.String("out", "docs/api.adoc", "output AsciiDoc file")
	flag.Parse()

	endpoints, err := collect(*apiDir)
	if err != nil {
		logrus.WithError(err).Fatal("collect endpoints")
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		logrus.WithError(err).Fatal("create output directory")
	}
	f, err := os.Create(*out)
	if err != nil {
		logrus.WithError(err).Fatal("create output file")
	}
	defer f.Close()

	if err := writeAsciiDoc(f, endpoints); err != nil {
		logrus.WithError(err).Fatal("write docs")
	}
	logrus.WithField("endpoints", len(endpoints)).Infof("Generated %s", *out)
}

// collect parses every non-test .go file in dir.
func collect(dir string) ([]Endpoint, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var endpoints []Endpoint
	for _, file := range files {
		name := file.Name()
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}

		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		eps, err := parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		endpoints = append(endpoints, eps...)
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		return routePath(endpoints[i].Route) < routePath(endpoints[j].Route)
	})
	return endpoints, nil
}

// parse extracts annotation blocks; @Response closes a block.
func parse(r io.Reader) ([]Endpoint, error) {
	var (
		endpoints []Endpoint
		current   Endpoint
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		if match := reTitle.FindStringSubmatch(line); len(match) > 1 {
			current.Title = strings.TrimSpace(match[1])
		}
		if match := reRoute.FindStringSubmatch(line); len(match) > 1 {
			current.Route = strings.TrimSpace(match[1])
		}
		if match := reDesc.FindStringSubmatch(line); len(match) > 1 {
			current.Description = strings.TrimSpace(match[1])
		}
		if match := reResp.FindStringSubmatch(line); len(match) > 1 {
			current.Response = strings.TrimSpace(match[1])
			if current.Title != "" && current.Route != "" {
				endpoints = append(endpoints, current)
			}
			current = Endpoint{}
		}
	}
	return endpoints, scanner.Err()
}

func routePath(route string) string {
	if _, path, ok := strings.Cut(route, " "); ok {
		return path
	}
	return route
}

func writeAsciiDoc(w io.Writer, endpoints []Endpoint) error {
	var b strings.Builder
	b.WriteString("= dvr HTTP API\n")
	b.WriteString(":toc: left\n\n")
	b.WriteString("Generated by `go run ./cmd/docgen` from handler annotations. Do not edit by hand.\n\n")
	b.WriteString("State changes are signed transactions submitted through Tendermint (`dvrctl`). ")
	b.WriteString("The HTTP API reads committed state only.\n")

	for _, ep := range endpoints {
		fmt.Fprintf(&b, "\n== %s\n\n", ep.Title)
		fmt.Fprintf(&b, "`%s`\n\n", ep.Route)
		if ep.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", ep.Description)
		}
		fmt.Fprintf(&b, "Response::\n+\n----\n%s\n----\n", ep.Response)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
