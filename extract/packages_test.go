package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImports_Python(t *testing.T) {
	code := `import os, sys
import numpy as np
from requests.adapters import HTTPAdapter
from flask import Flask
import invokehttp
`
	got := Imports(code, "python")
	assert.Equal(t, []string{"os", "sys", "numpy", "invokehttp", "requests", "flask"}, got)
}

func TestImports_Go(t *testing.T) {
	code := `package main

import "fmt"

import (
	"net/http"
	redis "github.com/redis/go-redis/v9"
	"github.com/evil/package"
)
`
	got := Imports(code, "go")
	assert.Contains(t, got, "fmt")
	assert.Contains(t, got, "net/http")
	assert.Contains(t, got, "github.com/redis/go-redis/v9")
	assert.Contains(t, got, "github.com/evil/package")
}

func TestImports_JavaScript(t *testing.T) {
	code := `import React from 'react';
import 'core-js';
const lodash = require("lodash");
import { thing } from "@scope/pkg";
`
	got := Imports(code, "javascript")
	assert.ElementsMatch(t, []string{"react", "core-js", "lodash", "@scope/pkg"}, got)
}

func TestImports_Java(t *testing.T) {
	code := `import java.util.List;
import static org.junit.Assert.assertEquals;
`
	got := Imports(code, "java")
	assert.Equal(t, []string{"java.util.List", "org.junit.Assert.assertEquals"}, got)
}

func TestImports_Rust(t *testing.T) {
	code := `use tokio::sync::Mutex;
pub use serde::Serialize;
use std::collections::HashMap;
`
	got := Imports(code, "rust")
	assert.Equal(t, []string{"tokio", "serde", "std"}, got)
}

func TestImports_UnknownLanguage(t *testing.T) {
	assert.Nil(t, Imports("import anything", "brainfuck"))
	assert.Nil(t, Imports("", "python"))
}

func TestImports_Deduplicates(t *testing.T) {
	code := "import requests\nimport requests\nfrom requests import get\n"
	assert.Equal(t, []string{"requests"}, Imports(code, "python"))
}

func TestManifestPackages_Requirements(t *testing.T) {
	content := `# production deps
requests>=2.28
flask==2.0.1
numpy
-r requirements-dev.txt

pydantic[email]~=1.10
`
	pkgs := ManifestPackages("requirements.txt", content)
	names := packageNames(pkgs)
	assert.Equal(t, []string{"requests", "flask", "numpy", "pydantic"}, names)
	for _, p := range pkgs {
		assert.Equal(t, EcosystemPyPI, p.Ecosystem)
		assert.Equal(t, LocationManifest, p.Location)
	}
}

func TestManifestPackages_PackageJSON(t *testing.T) {
	content := `{
  "name": "demo",
  "dependencies": {"express": "^4.18.0", "lodash": "4.17.21"},
  "devDependencies": {"jest": "^29.0.0"}
}`
	pkgs := ManifestPackages("package.json", content)
	assert.ElementsMatch(t, []string{"express", "lodash", "jest"}, packageNames(pkgs))
	assert.Equal(t, EcosystemNPM, pkgs[0].Ecosystem)
}

func TestManifestPackages_GoMod(t *testing.T) {
	content := `module example.com/demo

go 1.24

require github.com/google/uuid v1.6.0

require (
	github.com/stretchr/testify v1.10.0
	go.uber.org/zap v1.27.0 // indirect
)
`
	pkgs := ManifestPackages("go.mod", content)
	assert.ElementsMatch(t,
		[]string{"github.com/google/uuid", "github.com/stretchr/testify", "go.uber.org/zap"},
		packageNames(pkgs))
	assert.Equal(t, EcosystemGo, pkgs[0].Ecosystem)
}

func TestManifestPackages_Pyproject(t *testing.T) {
	content := `[project]
name = "demo"
dependencies = [
    "requests>=2.28",
    "typer[all]",
]

[tool.poetry.dependencies]
python = "^3.11"
structlog = "^24.0"

[tool.poetry.group.dev.dependencies]
pytest = "^8.0"
`
	pkgs := ManifestPackages("pyproject.toml", content)
	names := packageNames(pkgs)
	assert.Contains(t, names, "requests")
	assert.Contains(t, names, "typer")
	assert.Contains(t, names, "structlog")
	assert.Contains(t, names, "pytest")
	assert.NotContains(t, names, "python")
}

func TestManifestPackages_CargoToml(t *testing.T) {
	content := `[package]
name = "demo"

[dependencies]
serde = { version = "1.0", features = ["derive"] }
tokio = "1"

[dev-dependencies]
criterion = "0.5"
`
	pkgs := ManifestPackages("Cargo.toml", content)
	assert.ElementsMatch(t, []string{"serde", "tokio", "criterion"}, packageNames(pkgs))
	assert.Equal(t, EcosystemCrates, pkgs[0].Ecosystem)
}

func TestManifestPackages_Unknown(t *testing.T) {
	assert.Nil(t, ManifestPackages("README.md", "# hello"))
}

func TestFromSnippet_ManifestBeatsImports(t *testing.T) {
	s := Snippet{
		FilePath: "services/api/go.mod",
		Code:     "module m\n\nrequire github.com/google/uuid v1.6.0\n",
	}
	pkgs := FromSnippet(s)
	require.Len(t, pkgs, 1)
	assert.Equal(t, LocationManifest, pkgs[0].Location)
	assert.Equal(t, "github.com/google/uuid", pkgs[0].Name)
}

func TestFromSnippet_CodeImports(t *testing.T) {
	s := Snippet{
		FilePath: "app.py",
		Language: "python",
		Code:     "import invokehttp\nimport flask\n",
	}
	pkgs := FromSnippet(s)
	require.Len(t, pkgs, 2)
	assert.Equal(t, LocationCodeImport, pkgs[0].Location)
	assert.Equal(t, EcosystemPyPI, pkgs[0].Ecosystem)
	assert.Equal(t, "invokehttp", pkgs[0].Name)
}

func TestFromSnippet_NoLanguage(t *testing.T) {
	assert.Nil(t, FromSnippet(Snippet{Code: "echo hi"}))
}

func TestInstallCommands(t *testing.T) {
	text := `First run pip install invokehttp then npm install @scope/evil-pkg
and go get github.com/evil/mod@v1.0.0 and cargo add sus-crate.
Finally pip install requests==2.28.`

	pkgs := InstallCommands(text)
	names := packageNames(pkgs)
	assert.Contains(t, names, "invokehttp")
	assert.Contains(t, names, "@scope/evil-pkg")
	assert.Contains(t, names, "github.com/evil/mod")
	assert.Contains(t, names, "sus-crate")
	assert.Contains(t, names, "requests")
	for _, p := range pkgs {
		assert.Equal(t, LocationFreeText, p.Location)
	}
}

func TestInstallCommands_Empty(t *testing.T) {
	assert.Empty(t, InstallCommands("please review my code"))
}

func TestProseMentions(t *testing.T) {
	pkgs := ProseMentions("Is it safe to use invokehttp? I heard lodahs is a typosquat.")
	names := packageNames(pkgs)
	assert.Contains(t, names, "invokehttp")
	assert.Contains(t, names, "lodahs")
	assert.NotContains(t, names, "safe", "stopwords stay out of the candidates")
	assert.NotContains(t, names, "use")
	for _, p := range pkgs {
		assert.Equal(t, LocationFreeText, p.Location)
		assert.Empty(t, p.Ecosystem, "prose carries no ecosystem; the index resolves it")
	}
}

func TestProseMentions_StripsPunctuationAndDedupes(t *testing.T) {
	pkgs := ProseMentions("invokehttp, invokehttp. INVOKEHTTP!")
	require.Len(t, pkgs, 1)
	assert.Equal(t, "invokehttp", pkgs[0].Name)
}

func TestEcosystemForLanguage(t *testing.T) {
	assert.Equal(t, EcosystemPyPI, EcosystemForLanguage("python"))
	assert.Equal(t, EcosystemNPM, EcosystemForLanguage("TypeScript"))
	assert.Equal(t, EcosystemGo, EcosystemForLanguage("go"))
	assert.Equal(t, EcosystemCrates, EcosystemForLanguage("rust"))
	assert.Equal(t, EcosystemJava, EcosystemForLanguage("java"))
	assert.Equal(t, "", EcosystemForLanguage("cobol"))
}

func packageNames(pkgs []Package) []string {
	out := make([]string, len(pkgs))
	for i, p := range pkgs {
		out[i] = p.Name
	}
	return out
}
