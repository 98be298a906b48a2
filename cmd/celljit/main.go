// celljit - 翻译块回放与统计工具
//
// 用法:
//   celljit segment [options] <image>   切分镜像并打印翻译块
//   celljit replay [options] <image>    回放镜像驱动编译调度并打印统计
//   celljit init [dir]                  生成默认配置文件
//   celljit version                     打印版本号
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/celljit/internal/config"
	"github.com/tangzhangming/celljit/internal/isa"
	"github.com/tangzhangming/celljit/internal/jit"
	"github.com/tangzhangming/celljit/internal/lowering"
)

const (
	Version = "0.1.0"
)

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	switch args[0] {
	case "segment":
		cmdSegment(args[1:])
	case "replay":
		cmdReplay(args[1:])
	case "init":
		cmdInit(args[1:])
	case "version", "-v", "--version":
		fmt.Printf("celljit %s\n", Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("celljit %s - translation block replay tool\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  celljit <command> [options] [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  segment <image>   split a code image into translation blocks")
	fmt.Println("  replay <image>    replay an image through the compilation schedulers")
	fmt.Println("  init [dir]        write a default celljit.toml")
	fmt.Println("  version           print version")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  celljit segment -spu dump.bin")
	fmt.Println("  celljit replay -base 0x10000 -loops 100 -ir dump.bin")
}

// streamKind 解析指令流类型参数
func streamKind(spu bool) isa.StreamKind {
	if spu {
		return isa.StreamSPU
	}
	return isa.StreamPPU
}

// cmdSegment 切分镜像并打印翻译块
func cmdSegment(args []string) {
	fs := flag.NewFlagSet("segment", flag.ExitOnError)
	spu := fs.Bool("spu", false, "treat the image as an SPU stream")
	base := fs.Uint64("base", 0x10000, "load address of the image")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "error: no input image")
		os.Exit(1)
	}

	image, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read image: %v\n", err)
		os.Exit(1)
	}

	kind := streamKind(*spu)
	for _, block := range segmentImage(image, *base, kind) {
		term := "fallthrough"
		if t, ok := block.Terminator(); ok {
			term = t.Flow(kind).String()
		}
		fmt.Printf("block %#x..%#x  %3d insts  %s\n",
			block.StartAddr, block.EndAddr, block.Len(), term)
	}
}

// segmentImage 把整个镜像切分为连续的翻译块
func segmentImage(image []byte, base uint64, kind isa.StreamKind) []isa.Block {
	var blocks []isa.Block
	offset := uint64(0)
	for offset+isa.InstructionSize <= uint64(len(image)) {
		block := isa.Segment(image[offset:], base+offset, kind)
		if block.Len() == 0 {
			break
		}
		blocks = append(blocks, block)
		offset += uint64(block.Len()) * isa.InstructionSize
	}
	return blocks
}

// cmdReplay 回放镜像驱动编译调度
func cmdReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	spu := fs.Bool("spu", false, "treat the image as an SPU stream")
	base := fs.Uint64("base", 0x10000, "load address of the image")
	loops := fs.Int("loops", 100, "simulated executions per block")
	useIR := fs.Bool("ir", false, "lower blocks to the portable IR instead of raw words")
	background := fs.Bool("background", false, "compile through the worker pool instead of lazily")
	configPath := fs.String("config", "", "path to celljit.toml (default: search upward)")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "error: no input image")
		os.Exit(1)
	}

	image, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read image: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)

	var logger *zap.Logger
	if *verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
			os.Exit(1)
		}
	}

	var backend lowering.Backend
	if *useIR {
		backend = lowering.NewIRBackend()
	}

	kind := streamKind(*spu)
	core := jit.New(jit.Options{
		Kind:    kind,
		Config:  cfg,
		Logger:  logger,
		Backend: backend,
	})
	defer core.Close()

	blocks := segmentImage(image, *base, kind)
	if len(blocks) == 0 {
		fmt.Fprintln(os.Stderr, "error: image contains no complete instruction")
		os.Exit(1)
	}

	for _, block := range blocks {
		code := image[block.StartAddr-*base : block.EndAddr-*base]
		if *background {
			if err := core.SubmitBackground(block.StartAddr, code, block.Len()); err != nil {
				fmt.Fprintf(os.Stderr, "submit %#x: %v\n", block.StartAddr, err)
			}
			continue
		}
		core.RegisterBlock(block.StartAddr, code, 0)
	}

	if *background {
		if !core.WaitBackground(30 * time.Second) {
			fmt.Fprintln(os.Stderr, "warning: pool did not drain in time")
		}
	} else {
		for i := 0; i < *loops; i++ {
			for _, block := range blocks {
				core.RecordExecution(block.StartAddr)
			}
		}
	}

	compiled := 0
	for _, block := range blocks {
		if _, ok := core.Compiled(block.StartAddr); ok {
			compiled++
		}
	}
	fmt.Printf("blocks: %d  compiled: %d\n\n", len(blocks), compiled)

	data, err := core.StatsJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to serialize stats: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

// loadConfig 加载配置，找不到时回落默认值
func loadConfig(path string) *config.Config {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Default()
		}
		path = config.FindConfigFile(wd)
		if path == "" {
			return config.Default()
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// cmdInit 生成默认配置文件
func cmdInit(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	path := filepath.Join(dir, config.ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "error: %s already exists\n", path)
		os.Exit(1)
	}
	if err := config.Default().Save(path); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", path)
}
