/*
Package dynload is a runtime linker for relocatable ELF modules of an OS-less boot image.

# License

Source codes are under Apache License Version 2.0.

# Underwater

 1. Loads relocatable objects (drivers, filesystem handlers, commands) into memory handed out by an [memory.Allocator],
    resolves their undefined symbols against a [Symbols] table of resident and already exported symbols,
    and patches every relocation with the [reloc.Relocator] of the image's architecture.
 2. Supported architectures are MIPS (either byte order), ARM (A32 and Thumb-2, optional trampolines) and i386,
    see package arch.
 3. A load is atomic: any failure between validation and commit frees every region and leaves the symbol table untouched.
 4. Modules carry a reference count. A freshly loaded module holds one reference, owned by the caller.

# Module format

A module is an ET_REL ELF object with:

  - a .modname section naming the module,
  - an optional .moddeps section listing, NUL separated, the modules it calls into,
  - optional module_init and module_fini functions, invoked through the [Invoker].

# Notes

 1. A [Manager] and its [Symbols] are not safe for concurrent use; an init hook may load further modules re-entrantly.
 2. Loading is eager: every relocation is applied before the init hook runs.
 3. A module is not found by [Manager.Find], nor usable as a dependency, until its init hook returned.

# Tool

The modtool command inspects module objects and links them against a configured image:

	go install github.com/ZenLiuCN/dynload/modtool@latest
	modtool -h

# Samples

See testdata and tests.
*/
package dynload
