package mtx

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cnk113/cacoa/internal/clusterfree"
)

// ReadLines reads the first tab-separated column of every non-empty line,
// as in 10x genes.tsv / barcodes.tsv files.
func ReadLines(path string) ([]string, error) {
	return readFile(path, ParseLines)
}

// ParseLines is ReadLines on a stream.
func ParseLines(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	var out []string
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		name, _, _ := strings.Cut(line, "\t")
		out = append(out, name)
	}
	return out, sc.Err()
}

// ReadSampleTable reads a two-column "cell<TAB>sample" table and returns the
// sample of every cell in cells. A first line of "cell<TAB>sample" is a
// header. With nil cells the samples are returned in file order.
func ReadSampleTable(path string, cells []string) ([]string, error) {
	return readFile(path, func(r io.Reader) ([]string, error) {
		return ParseSampleTable(r, cells)
	})
}

// ParseSampleTable is ReadSampleTable on a stream.
func ParseSampleTable(r io.Reader, cells []string) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	var order, samples []string
	byCell := make(map[string]string)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" {
			continue
		}
		cell, sample, ok := strings.Cut(text, "\t")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: expected cell<TAB>sample", ErrFormat, line)
		}
		if line == 1 && strings.EqualFold(cell, "cell") && strings.EqualFold(sample, "sample") {
			continue
		}
		sample, _, _ = strings.Cut(sample, "\t")
		if _, dup := byCell[cell]; dup {
			return nil, fmt.Errorf("%w: line %d: duplicate cell %q", ErrFormat, line, cell)
		}
		byCell[cell] = sample
		order = append(order, cell)
		samples = append(samples, sample)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if cells == nil {
		return samples, nil
	}
	out := make([]string, len(cells))
	for i, c := range cells {
		s, ok := byCell[c]
		if !ok {
			return nil, fmt.Errorf("%w: no sample for cell %q", ErrFormat, c)
		}
		out[i] = s
	}
	return out, nil
}

type neighborhoodJSON struct {
	Name  string `json:"name"`
	Cells []int  `json:"cells"`
}

// ReadNeighborhoods reads a JSON array of {"name": ..., "cells": [...]}
// objects with zero-based cell ids.
func ReadNeighborhoods(path string) (clusterfree.Neighborhoods, error) {
	return readFile(path, ParseNeighborhoods)
}

// ParseNeighborhoods is ReadNeighborhoods on a stream. Names are kept only
// when every neighborhood has one.
func ParseNeighborhoods(r io.Reader) (clusterfree.Neighborhoods, error) {
	var raw []neighborhoodJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return clusterfree.Neighborhoods{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	nb := clusterfree.Neighborhoods{
		Names: make([]string, len(raw)),
		Cells: make([][]int, len(raw)),
	}
	named := true
	for i, n := range raw {
		nb.Names[i] = n.Name
		nb.Cells[i] = n.Cells
		if nb.Cells[i] == nil {
			nb.Cells[i] = []int{}
		}
		named = named && n.Name != ""
	}
	if !named {
		nb.Names = nil
	}
	return nb, nil
}
