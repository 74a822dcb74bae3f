// Command blockfs manipulates filesystem images through the engine's public
// API: formatting, listing, copying files in and out, hard links, and a
// read-only consistency check.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/go-blockfs/blockfs/disk"
	"github.com/go-blockfs/blockfs/layout"
	"github.com/go-blockfs/blockfs/vfs"
)

func main() {
	app := cli.App{
		Name:        "blockfs",
		Description: "inspect and manipulate blockfs disk images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Aliases:  []string{"i"},
				Usage:    "path to the disk image",
				Required: true,
			},
		},
		Commands: []*cli.Command{{
			Name:        "mkfs",
			Description: "format the image as an empty filesystem",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "config",
					Usage: "geometry `FILE` (YAML)",
				},
				&cli.Uint64Flag{
					Name:  "blocks",
					Usage: "device size in 512-byte blocks",
				},
				&cli.Uint64Flag{
					Name:  "inodes",
					Usage: "inode slots to reserve",
				},
			},
			Action: func(ctx *cli.Context) error {
				geo, err := loadGeometry(ctx.String("config"))
				if err != nil {
					return err
				}
				if ctx.IsSet("blocks") {
					geo.Blocks = ctx.Uint64("blocks")
				}
				if ctx.IsSet("inodes") {
					geo.Inodes = ctx.Uint64("inodes")
				}
				if err := geo.Validate(); err != nil {
					return err
				}
				d, err := disk.NewFileDisk(ctx.String("image"), geo.Blocks)
				if err != nil {
					return fmt.Errorf("creating image: %w", err)
				}
				defer d.Close()
				fs, err := vfs.Format(d, geo.Inodes)
				if err != nil {
					return err
				}
				sb := fs.Super()
				fmt.Printf("formatted %s: %d blocks, %d inodes, volume %s\n",
					ctx.String("image"), sb.TotalBlocks, sb.NInodes, sb.VolumeID)
				return nil
			},
		}, {
			Name:        "ls",
			Description: "list the names in the root directory",
			Action: withFS(func(fs *vfs.FileSystem, ctx *cli.Context) error {
				for _, name := range fs.RootInode().Ls() {
					fmt.Println(name)
				}
				return nil
			}),
		}, {
			Name:        "stat",
			Description: "describe the volume, or one name if given",
			ArgsUsage:   "[NAME]",
			Action: withFS(func(fs *vfs.FileSystem, ctx *cli.Context) error {
				if ctx.NArg() == 0 {
					sb := fs.Super()
					fmt.Printf("volume id     = %s\n", sb.VolumeID)
					fmt.Printf("total blocks  = %d\n", sb.TotalBlocks)
					fmt.Printf("inodes        = %d\n", sb.NInodes)
					fmt.Printf("inode bitmap  = %d blocks at %d\n",
						sb.InodeBitmapBlocks, sb.InodeBitmapStart())
					fmt.Printf("inode table   = %d blocks at %d\n",
						sb.InodeAreaBlocks, sb.InodeStart())
					fmt.Printf("data bitmap   = %d blocks at %d\n",
						sb.DataBitmapBlocks, sb.DataBitmapStart())
					fmt.Printf("data region   = %d blocks at %d\n",
						sb.DataAreaBlocks, sb.DataStart())
					return nil
				}
				name := ctx.Args().First()
				root := fs.RootInode()
				ip := root.Find(name)
				if ip == nil {
					return fmt.Errorf("%s: no such name", name)
				}
				kind := "file"
				if ip.IsDir() {
					kind = "directory"
				}
				fmt.Printf("%s: %s, %d bytes, %d links, inode at block %d offset %d\n",
					name, kind, ip.Size(), root.LinkNum(ip.Addr()),
					ip.Addr().Blkno, ip.Addr().Off)
				return nil
			}),
		}, {
			Name:        "cat",
			Description: "write a file's content to stdout",
			ArgsUsage:   "NAME",
			Action: withFS(func(fs *vfs.FileSystem, ctx *cli.Context) error {
				ip, err := resolve(fs, ctx.Args().First())
				if err != nil {
					return err
				}
				buf := make([]byte, 64*disk.BlockSize)
				for off := uint64(0); ; {
					n := ip.ReadAt(off, buf)
					if n == 0 {
						return nil
					}
					if _, err := os.Stdout.Write(buf[:n]); err != nil {
						return fmt.Errorf("writing to stdout: %w", err)
					}
					off += n
				}
			}),
		}, {
			Name:        "put",
			Description: "copy a host file into the image",
			ArgsUsage:   "HOSTFILE",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "name",
					Usage: "name inside the image (defaults to the host file's base name)",
				},
			},
			Action: withFS(func(fs *vfs.FileSystem, ctx *cli.Context) error {
				host := ctx.Args().First()
				if host == "" {
					return fmt.Errorf("put needs a host file to copy")
				}
				data, err := os.ReadFile(host)
				if err != nil {
					return fmt.Errorf("reading %s: %w", host, err)
				}
				if uint64(len(data)) > layout.MaxFileSize {
					return fmt.Errorf("%s is %d bytes, over the %d-byte maximum",
						host, len(data), layout.MaxFileSize)
				}
				name := ctx.String("name")
				if name == "" {
					name = filepath.Base(host)
				}
				root := fs.RootInode()
				ip := root.Find(name)
				if ip == nil {
					if ip = root.Create(name); ip == nil {
						return fmt.Errorf("creating %s failed", name)
					}
				} else {
					if ip.IsDir() {
						return fmt.Errorf("%s is a directory", name)
					}
					ip.Clear()
				}
				ip.WriteAt(0, data)
				fmt.Printf("wrote %d bytes to %s\n", len(data), name)
				return nil
			}),
		}, {
			Name:        "link",
			Description: "bind a second name to an existing file",
			ArgsUsage:   "OLD NEW",
			Action: withFS(func(fs *vfs.FileSystem, ctx *cli.Context) error {
				oldName, newName := ctx.Args().Get(0), ctx.Args().Get(1)
				if oldName == "" || newName == "" {
					return fmt.Errorf("link needs an existing name and a new one")
				}
				root := fs.RootInode()
				ip := root.Link(oldName, newName)
				if ip == nil {
					if root.Find(oldName) == nil {
						return fmt.Errorf("%s: no such name", oldName)
					}
					return fmt.Errorf("%s: name already exists", newName)
				}
				fmt.Printf("%s and %s now share %d links\n",
					oldName, newName, root.LinkNum(ip.Addr()))
				return nil
			}),
		}, {
			Name:        "unlink",
			Description: "remove a name; the file's storage is never reclaimed",
			ArgsUsage:   "NAME",
			Action: withFS(func(fs *vfs.FileSystem, ctx *cli.Context) error {
				name := ctx.Args().First()
				if !fs.RootInode().Unlink(name) {
					return fmt.Errorf("%s: no such name", name)
				}
				return nil
			}),
		}, {
			Name:        "rm",
			Aliases:     []string{"remove"},
			Description: "remove a name, truncating the file if it was the last one",
			ArgsUsage:   "NAME",
			Action: withFS(func(fs *vfs.FileSystem, ctx *cli.Context) error {
				name := ctx.Args().First()
				ip, err := resolve(fs, name)
				if err != nil {
					return err
				}
				root := fs.RootInode()
				links := root.LinkNum(ip.Addr())
				root.Unlink(name)
				if links == 1 {
					// last name gone: free the data. The inode slot itself is
					// never reclaimed; check reports it as an orphan.
					ip.Clear()
				}
				return nil
			}),
		}, {
			Name:        "check",
			Description: "verify the image's consistency without modifying it",
			Action: withFS(func(fs *vfs.FileSystem, ctx *cli.Context) error {
				rep := fs.Check()
				fmt.Printf("%d inodes (%d files, %d directories), %d names, %d blocks in use\n",
					rep.Inodes, rep.Files, rep.Dirs, rep.Names, rep.Blocks)
				for _, inum := range rep.Orphans {
					fmt.Printf("orphaned inode %d: allocated, but no name resolves to it\n", inum)
				}
				for _, msg := range rep.Errors {
					fmt.Printf("error: %s\n", msg)
				}
				if !rep.Ok() {
					return fmt.Errorf("%s: %d consistency errors",
						ctx.String("image"), len(rep.Errors))
				}
				fmt.Println("clean")
				return nil
			}),
		}},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// withFS opens the image named by the --image flag, mounts it, runs f, and
// flushes the cache afterwards.
func withFS(f func(fs *vfs.FileSystem, ctx *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		d, err := disk.OpenFileDisk(ctx.String("image"))
		if err != nil {
			return fmt.Errorf("opening image: %w", err)
		}
		defer d.Close()
		fs, err := vfs.Open(d)
		if err != nil {
			return fmt.Errorf("mounting %s: %w", ctx.String("image"), err)
		}
		if err := f(fs, ctx); err != nil {
			return err
		}
		fs.SyncAll()
		return nil
	}
}

// resolve looks name up in the root directory.
func resolve(fs *vfs.FileSystem, name string) (*vfs.Inode, error) {
	if name == "" {
		return nil, fmt.Errorf("a name argument is required")
	}
	ip := fs.RootInode().Find(name)
	if ip == nil {
		return nil, fmt.Errorf("%s: no such name", name)
	}
	return ip, nil
}
