package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/jnivm"
	glog "github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/manifest"
	"github.com/zboralski/jnivm/internal/stubs"
	"github.com/zboralski/jnivm/internal/stubs/jni"
	"github.com/zboralski/jnivm/internal/trace"
	"github.com/zboralski/jnivm/internal/ui/colorize"
)

var (
	verbose      bool
	quiet        bool
	noColor      bool
	manifestPath string
	entryOff     uint64
	maxInsn      int
	callTarget   string
	asYAML       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jnivm",
		Short: "Run ARM64 JNI code against an emulated Java VM",
		Long: `jnivm hosts native ARM64 JNI code without a Java runtime.

Code runs under Unicorn Engine. JNIEnv and JavaVM tables are served by a Go
VM that keeps classes, objects, references and exceptions. Classes the code
expects can be described in a YAML manifest.

Examples:
  jnivm run libfoo.bin --entry 0x1a40             # trace JNI_OnLoad
  jnivm run libfoo.bin -m classes.yaml -q         # summary only
  jnivm run libfoo.bin --call 'com/example/App.init()I'
  jnivm inspect -m classes.yaml --yaml            # classes as the VM sees them`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			glog.Init(verbose)
			stubs.Debug = verbose
			if noColor {
				colorize.SetEnabled(false)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colors")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "", "YAML class manifest")

	runCmd := &cobra.Command{
		Use:   "run <code.bin>",
		Short: "Load raw ARM64 code and call JNI_OnLoad",
		Args:  cobra.ExactArgs(1),
		RunE:  runCode,
	}
	runCmd.Flags().Uint64Var(&entryOff, "entry", 0, "JNI_OnLoad offset in the code")
	runCmd.Flags().IntVarP(&maxInsn, "num", "n", 500, "max instructions to show")
	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "summary only")
	runCmd.Flags().StringVar(&callTarget, "call", "", "registered native to call afterwards, as class.name(sig)")

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the classes defined by the VM and the manifest",
		Args:  cobra.NoArgs,
		RunE:  inspect,
	}
	inspectCmd.Flags().BoolVar(&asYAML, "yaml", false, "print as a manifest")

	rootCmd.AddCommand(runCmd, inspectCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadManifest() (*manifest.Manifest, error) {
	if manifestPath == "" {
		return &manifest.Manifest{}, nil
	}
	return manifest.Load(manifestPath)
}

func runCode(cmd *cobra.Command, args []string) error {
	path := args[0]
	code, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(code) == 0 || len(code) > emulator.CodeSize {
		return fmt.Errorf("%s: code size %d outside (0, %d]", path, len(code), emulator.CodeSize)
	}
	if entryOff >= uint64(len(code)) || entryOff%4 != 0 {
		return fmt.Errorf("entry 0x%x is not an instruction in %s", entryOff, path)
	}
	m, err := loadManifest()
	if err != nil {
		return err
	}

	emu, err := emulator.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()
	if err := emu.LoadCodeAt(emulator.CodeBase, code); err != nil {
		return fmt.Errorf("load code: %w", err)
	}

	var fatal string
	vm := jnivm.New(jnivm.WithLogger(glog.L), jnivm.WithFatalHandler(func(msg string) { fatal = msg }))
	defer vm.Destroy()

	bridge := jni.New(emu, vm)
	if _, _, err := bridge.Install(); err != nil {
		return err
	}
	env, err := vm.AttachCurrentThread()
	if err != nil {
		return err
	}
	err = m.Apply(env, func(class string, n manifest.Native) (jnivm.Invoker, error) {
		return bridge.NativeFunc(class+"."+n.Name, emulator.CodeBase+n.Addr, n.Sig)
	})
	if err != nil {
		return fmt.Errorf("apply manifest: %w", err)
	}

	collector := &trace.Collector{}
	bridge.Registry().OnCall = func(category, name, detail string) {
		e := trace.NewEvent(emu.LR(), category, name, detail)
		trace.DefaultEnricher(e)
		collector.Add(e)
	}

	var out *outputWriter
	if !quiet {
		out = newOutputWriter(os.Stdout)
		printHeader(out, path, vm, emulator.CodeBase+entryOff, len(code))
	}

	count := 0
	emu.HookCode(func(e *emulator.Emulator, addr uint64, size uint32) {
		count++
		if out == nil {
			collector.Drain()
			return
		}
		events := collector.Drain()
		if count > maxInsn {
			return
		}
		insn, _ := e.MemRead(addr, 4)
		dis := disasm(insn)
		out.Write(formatLine(addr, insn, dis, events))
		if isBlockEnd(dis) {
			out.Write("")
		}
	})

	version, runErr := bridge.CallJNIOnLoad(emulator.CodeBase + entryOff)
	if runErr == nil && callTarget != "" {
		runErr = callNative(env, callTarget)
	}
	if out != nil {
		out.Close()
	}

	printSummary(vm, version, count, collector.Total(), fatal, runErr)
	return nil
}

// callNative runs a registered native that takes no arguments.
func callNative(env *jnivm.Env, target string) error {
	paren := strings.IndexByte(target, '(')
	if paren < 0 {
		return fmt.Errorf("--call %q: missing signature", target)
	}
	dot := strings.LastIndexByte(target[:paren], '.')
	if dot < 0 {
		return fmt.Errorf("--call %q: missing class", target)
	}
	className, name, sig := target[:dot], target[dot+1:paren], target[paren:]

	c := env.VM().LookupClass(className)
	if c == nil {
		return fmt.Errorf("--call: class %s not defined", className)
	}
	m := c.NativeMethod(name, sig)
	if m == nil {
		return fmt.Errorf("--call: %s.%s%s not registered", className, name, sig)
	}
	mt, err := m.Type()
	if err != nil {
		return err
	}
	if len(mt.Params) != 0 {
		return fmt.Errorf("--call: %s takes arguments", m)
	}

	var recv jnivm.Ref = c
	if !m.Static {
		if recv = env.AllocObject(c); recv == nil {
			return fmt.Errorf("--call: %s needs an instance: %v", m, env.ExceptionOccurred())
		}
	}
	v := env.CallNative(c, name, sig, recv)
	if env.ExceptionCheck() {
		exc := env.ExceptionOccurred()
		env.ExceptionClear()
		return fmt.Errorf("%s threw %v", m, exc)
	}
	fmt.Printf("%s %s %s\n", colorize.FuncName(m.String()), colorize.Detail("="), colorize.String(v.String()))
	return nil
}

func printHeader(w *outputWriter, path string, vm *jnivm.VM, entry uint64, size int) {
	w.Write("")
	w.Write(fmt.Sprintf("%s jnivm ─ JNI emulation trace", colorize.Header("▶")))
	w.Write(fmt.Sprintf("  %s %s  %s %s", colorize.Detail("Loading:"), relPath(path),
		colorize.Detail("VM:"), vm.ID()))
	w.Write(fmt.Sprintf("  %s %s  %s %s  %s %s",
		colorize.Detail("Base:"), colorize.Address(emulator.CodeBase),
		colorize.Detail("Entry:"), colorize.Address(entry),
		colorize.Detail("Size:"), colorize.FuncName(fmt.Sprintf("%d", size))))
	w.Write("")
}

func printSummary(vm *jnivm.VM, version int32, count, calls int, fatal string, err error) {
	fmt.Println()
	for _, c := range vm.Classes() {
		for _, m := range c.Methods() {
			if m.Native {
				fmt.Printf("%s %s%s\n", colorize.Tag("#native"),
					colorize.Class(c.FullName+"."+m.Name), colorize.Descriptor(m.Signature))
			}
		}
	}
	if version != 0 {
		fmt.Printf("%s %s\n", colorize.Detail("JNI_OnLoad ="), colorize.String(glog.Hex(uint64(uint32(version)))))
	}
	if fatal != "" {
		fmt.Printf("%s %s\n", colorize.Error("FatalError:"), fatal)
	}

	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s insn  %s calls",
		colorize.FuncName(fmt.Sprintf("%d", count)),
		colorize.FuncName(fmt.Sprintf("%d", calls)))
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "UC_ERR_READ_UNMAPPED") || strings.Contains(errStr, "UC_ERR_WRITE_UNMAPPED") {
			fmt.Printf("  %s", colorize.Detail(errStr))
		} else {
			fmt.Printf("  %s", colorize.Error(errStr))
		}
	}
	fmt.Println()
}

func inspect(cmd *cobra.Command, args []string) error {
	m, err := loadManifest()
	if err != nil {
		return err
	}
	vm := jnivm.New(jnivm.WithLogger(glog.L))
	defer vm.Destroy()
	env, err := vm.AttachCurrentThread()
	if err != nil {
		return err
	}
	if err := m.Apply(env, nil); err != nil {
		return err
	}

	snap := manifest.Snapshot(vm)
	if asYAML {
		return snap.Encode(os.Stdout)
	}
	for _, c := range snap.Classes {
		line := colorize.Class(c.Name)
		if len(c.Bases) > 0 {
			line += colorize.Detail(" : ") + colorize.Class(strings.Join(c.Bases, ", "))
		}
		fmt.Println(line)
		for _, f := range c.Fields {
			fmt.Printf("  %s %s %s\n", memberTag("#field", f.Static), f.Name, colorize.Descriptor(f.Sig))
		}
		for _, md := range c.Methods {
			fmt.Printf("  %s %s%s\n", memberTag("#method", md.Static), colorize.FuncName(md.Name), colorize.Descriptor(md.Sig))
		}
	}
	// Natives only exist once code registers them.
	for _, c := range m.Classes {
		for _, n := range c.Natives {
			fmt.Printf("%s %s%s %s\n", colorize.Tag("#native"), colorize.Class(c.Name+"."+n.Name),
				colorize.Descriptor(n.Sig), colorize.Address(emulator.CodeBase+n.Addr))
		}
	}
	return nil
}

func memberTag(tag string, static bool) string {
	if static {
		tag += " #static"
	}
	return colorize.Tag(tag)
}
