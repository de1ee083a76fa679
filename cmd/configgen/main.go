package main

import (
	"flag"
	"log"

	"github.com/danmuck/kernelmesh/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case config.KindTopology:
		return "cmd/kerneld/topology.toml"
	case config.KindKerneld:
		return "cmd/kerneld/config.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}

func main() {
	kind := flag.String("kind", config.KindKerneld, "config kind: kerneld|topology")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing topology file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if *kind != config.KindTopology {
			log.Fatalf("only %s configs can be validated; run kerneld to check %s configs", config.KindTopology, *kind)
		}
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		topo, err := config.LoadTopology(path)
		if err != nil {
			log.Fatal(err)
		}
		if _, err := topo.FileSystemBackends(); err != nil {
			log.Fatal(err)
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
