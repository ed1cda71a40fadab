package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/gliderlabs/ssh"
	"github.com/zond/mudbridge"
	"github.com/zond/mudbridge/bridge"
	"github.com/zond/mudbridge/console"
	"github.com/zond/mudbridge/dbtask"
	"github.com/zond/mudbridge/js"
	"github.com/zond/mudbridge/pemfile"
	"github.com/zond/mudbridge/registry"
	"github.com/zond/mudbridge/sched"
	"github.com/zond/mudbridge/structs"
	"github.com/zond/mudbridge/worldtest"

	goccy "github.com/goccy/go-json"
	gossh "golang.org/x/crypto/ssh"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

func loadConfig(dir string) *structs.Config {
	config := structs.Default()
	b, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if os.IsNotExist(err) {
		return config
	} else if err != nil {
		log.Fatal(err)
	}
	if err := goccy.Unmarshal(b, config); err != nil {
		log.Fatal(err)
	}
	return config
}

func registerTypes(reg *registry.Registry) {
	for _, def := range []registry.Def{
		{Name: "Thing"},
		{Name: "Item", Parent: "Thing", Mutable: true,
			Reduce: func(e bridge.Entity) uint32 { return e.(*worldtest.Item).Unique }},
		{Name: "Creature", Parent: "Thing", Mutable: true,
			Reduce: func(e bridge.Entity) uint32 { return e.(*worldtest.Monster).ID }},
		{Name: "Condition"},
	} {
		if _, err := reg.Register(def); err != nil {
			log.Fatal(err)
		}
	}
}

func main() {
	iface := flag.String("iface", "127.0.0.1:15001", "Where to listen to SSH connections")
	dir := flag.String("dir", filepath.Join(os.Getenv("HOME"), ".mudbridge"), "Where to save database and settings")
	secret := flag.String("secret", "", "Console secret; empty disables authentication")
	populate := flag.Int("populate", 16, "Number of demo creatures and items")

	flag.Parse()

	if err := os.MkdirAll(*dir, 0700); err != nil {
		log.Fatal(err)
	}

	config := loadConfig(*dir)
	if path := config.LogPath(); path != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		})
	}

	pemBytes, err := pemfile.KeyParams{
		KeyPath:       filepath.Join(*dir, "private.pem"),
		SSHPubKeyPath: filepath.Join(*dir, "public.pem"),
	}.Ensure()
	if err != nil {
		log.Fatal(err)
	}
	signer, err := gossh.ParsePrivateKey(pemBytes)
	if err != nil {
		log.Fatal(err)
	}

	world := worldtest.New()
	if err := world.Populate(*populate); err != nil {
		log.Fatal(err)
	}
	reg := registry.New()
	registerTypes(reg)

	scheduler := sched.New()
	go func() {
		log.Panic(scheduler.Run(context.Background()))
	}()

	// Everything touching the runtime funnels through this channel; the main
	// goroutine is the tick loop, and mainCtx marks calls made on its behalf.
	mainCtx := mudbridge.MakeMainContext(context.Background())
	work := make(chan func(), 1024)
	dispatch := func(f func()) {
		work <- f
	}

	runtime := js.NewRuntime(config, world, reg, scheduler, dispatch)
	if err := runtime.Open(); err != nil {
		log.Fatal(err)
	}
	if path := config.LogPath(); path != "" {
		runtime.SetDiagnostics(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		})
	}

	db, err := dbtask.New(filepath.Join(*dir, "bridge.db"), dispatch)
	if err != nil {
		log.Fatal(err)
	}
	db.Exec("CREATE TABLE IF NOT EXISTS events (id INTEGER PRIMARY KEY, at TEXT, note TEXT)", nil, func(res *dbtask.Result, err error) {
		if err != nil {
			log.Printf("trying to create events table: %v", err)
		}
	})

	cons := console.New(mainCtx, config, runtime, world, dispatch)
	cons.SetDB(db)
	if *secret != "" {
		hash, err := console.HashSecret(*secret)
		if err != nil {
			log.Fatal(err)
		}
		cons.SetSecretHash(hash)
	}

	go func() {
		log.Printf("Listening on %q with public key %q", *iface, gossh.FingerprintSHA256(signer.PublicKey()))
		log.Fatal(ssh.ListenAndServe(*iface, cons.HandleSession,
			ssh.HostKeyPEM(pemBytes),
			ssh.PasswordAuth(cons.PasswordHandler)))
	}()

	for f := range work {
		f()
	}
}
