package main

import (
	"flag"
	"log"
	"os"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/security"
)

func main() {
	kind := flag.String("kind", "document", "config kind: document|meshd|meshrest|security")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing file (document or security)")
	input := flag.String("input", "", "path to validate (defaults to the per-kind file name)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		switch *kind {
		case "document":
			data, err := os.ReadFile(path)
			if err != nil {
				log.Fatal(err)
			}
			if _, _, err := config.Load(data, false, config.SystemEnvironment()); err != nil {
				log.Fatal(err)
			}
		case "security":
			if _, err := security.LoadDirectory(path); err != nil {
				log.Fatal(err)
			}
		default:
			log.Fatalf("cannot validate kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case "document":
		return "config.json"
	case "meshd":
		return "meshd.toml"
	case "meshrest":
		return "meshrest.toml"
	case "security":
		return "security.json"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}
