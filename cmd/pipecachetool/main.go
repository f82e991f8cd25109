// Command pipecachetool inspects and repairs pipeline cache stores.
//
// The cache persists two files per scope under its storage root: a
// shader microcode log and a pipeline description log. pipecachetool
// verifies their framing and content hashes without loading a GPU
// backend, and can truncate a damaged tail in place.
package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"github.com/gogpu/pipecache"
	"github.com/gogpu/pipecache/internal/storefile"
)

func main() {
	var (
		root    = flag.String("root", "", "storage root directory")
		scope   = flag.String("scope", "", "store scope, usually the title identifier")
		verbose = flag.Bool("v", false, "print every record")
		repair  = flag.Bool("repair", false, "truncate invalid tails in place")
	)
	flag.Parse()

	if *root == "" || *scope == "" {
		flag.Usage()
		log.Fatal("both -root and -scope are required")
	}

	shaderPath := filepath.Join(*root, *scope+".shaders.bin")
	pipelinePath := filepath.Join(*root, *scope+".pipelines.bin")

	if *repair {
		repairShaders(shaderPath)
		repairPipelines(pipelinePath)
		return
	}
	inspectShaders(shaderPath, *verbose)
	inspectPipelines(pipelinePath, *verbose)
}

// inspectShaders reports on the shader log without modifying it. Unlike
// cache replay, inspection keeps scanning past bad records so the report
// covers the whole file.
func inspectShaders(path string, verbose bool) {
	var vertex, fragment, unknown, badHash, dwordTotal int
	distinct := make(map[uint64]bool)

	records, tail, err := storefile.ScanShaderLog(path, func(rec storefile.ShaderRecord, dwords []uint32) bool {
		switch pipecache.ShaderKind(rec.Kind) {
		case pipecache.ShaderKindVertex:
			vertex++
		case pipecache.ShaderKindFragment:
			fragment++
		default:
			unknown++
		}
		if pipecache.HashShader(dwords) != rec.Hash {
			badHash++
		}
		distinct[rec.Hash] = true
		dwordTotal += len(dwords)
		if verbose {
			fmt.Printf("shader %016x mod %d %s, %d dwords\n",
				rec.Hash, rec.Modification, pipecache.ShaderKind(rec.Kind), len(dwords))
		}
		return true
	})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%s: %d records, %d distinct shaders, %d dwords\n", path, records, len(distinct), dwordTotal)
	fmt.Printf("  vertex %d, fragment %d", vertex, fragment)
	if unknown > 0 {
		fmt.Printf(", unknown kind %d", unknown)
	}
	fmt.Println()
	if badHash > 0 {
		fmt.Printf("  %d records fail their content hash\n", badHash)
	}
	if tail > 0 {
		fmt.Printf("  %d torn tail bytes, run with -repair to truncate\n", tail)
	}
}

// inspectPipelines reports on the pipeline log without modifying it.
func inspectPipelines(path string, verbose bool) {
	var decodeFail, hashFail int

	records, tail, err := storefile.ScanPipelineLog(path, storefile.APITagRender, pipecache.DescriptionSize,
		func(hash uint64, description []byte) bool {
			desc, err := pipecache.DecodeDescription(description)
			if err != nil {
				decodeFail++
				if verbose {
					fmt.Printf("pipeline %016x: %v\n", hash, err)
				}
				return true
			}
			if desc.Hash() != hash {
				hashFail++
			}
			if verbose {
				fmt.Printf("pipeline %016x vs %016x fs %016x\n",
					hash, desc.VertexShaderHash, desc.FragmentShaderHash)
			}
			return true
		})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%s: %d records\n", path, records)
	if decodeFail > 0 {
		fmt.Printf("  %d records fail to decode\n", decodeFail)
	}
	if hashFail > 0 {
		fmt.Printf("  %d records fail their content hash\n", hashFail)
	}
	if tail > 0 {
		fmt.Printf("  %d torn tail bytes, run with -repair to truncate\n", tail)
	}
}

// repairShaders rewrites the shader log's framing the way cache startup
// would: the file is truncated at the first record that misframes or
// fails its content hash.
func repairShaders(path string) {
	shaderLog, err := storefile.OpenShaderLog(path)
	if err != nil {
		log.Fatal(err)
	}
	kept, err := shaderLog.Replay(func(rec storefile.ShaderRecord, dwords []uint32) bool {
		return pipecache.HashShader(dwords) == rec.Hash &&
			rec.Kind <= uint32(pipecache.ShaderKindFragment)
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := shaderLog.Sync(); err != nil {
		log.Fatal(err)
	}
	if err := shaderLog.Close(); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s: kept %d records\n", path, kept)
}

// repairPipelines truncates the pipeline log at the first record that
// fails decoding or its content hash.
func repairPipelines(path string) {
	pipelineLog, err := storefile.OpenPipelineLog(path, storefile.APITagRender, pipecache.DescriptionSize)
	if err != nil {
		log.Fatal(err)
	}
	kept, err := pipelineLog.Replay(func(hash uint64, description []byte) bool {
		desc, err := pipecache.DecodeDescription(description)
		return err == nil && desc.Hash() == hash
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := pipelineLog.Sync(); err != nil {
		log.Fatal(err)
	}
	if err := pipelineLog.Close(); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s: kept %d records\n", path, kept)
}
