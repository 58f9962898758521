package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // NOTE: use http pprof
	"os"
	"os/signal"
	"strings"
	"syscall"

	"duplex/pkg/log"
	"duplex/pkg/prom"
	"duplex/proxy"
)

const (
	// VERSION version
	VERSION = "0.3.1"
)

var (
	version   bool
	check     bool
	pprofAddr string
	metrics   bool
	config    string
	watch     bool
	listens   listensFlag
)

type listensFlag []string

func (l *listensFlag) String() string {
	return strings.Join([]string(*l), " ")
}

func (l *listensFlag) Set(n string) error {
	*l = append(*l, n)
	return nil
}

var usage = func() {
	fmt.Fprintf(os.Stderr, "Usage of Duplex proxy:\n")
	flag.PrintDefaults()
}

func init() {
	flag.Usage = usage
	flag.BoolVar(&check, "t", false, "conf file check")
	flag.BoolVar(&version, "v", false, "print version.")
	flag.StringVar(&pprofAddr, "pprof", "", "pprof listen addr. high priority than conf.pprof.")
	flag.BoolVar(&metrics, "metrics", false, "proxy support prometheus metrics and reuse pprof port.")
	flag.StringVar(&config, "conf", "", "run with the specific configuration.")
	flag.BoolVar(&watch, "watch", false, "reload the listener file on change.")
	flag.Var(&listens, "listen", "specify listener configuration file.")
}

func main() {
	flag.Parse()
	if version {
		fmt.Printf("duplex version %s\n", VERSION)
		os.Exit(0)
	}
	if check {
		parseConfig()
		os.Exit(0)
	}
	c, lcs, lfile := parseConfig()
	if log.Init(c.LogConfig()) {
		defer log.Close()
	}
	p, err := proxy.New(c)
	if err != nil {
		panic(err)
	}
	defer p.Close()
	p.Serve(lcs)
	if watch && lfile != "" {
		stop, werr := lcs.Watch(lfile, func(n *proxy.ListenConfigs) {
			log.Infof("listener config changed, %d listeners after restart take effect", len(n.Listeners))
		})
		if werr != nil {
			log.Errorf("watch %s error:%+v", lfile, werr)
		} else {
			defer stop()
		}
	}
	if c.Pprof != "" || pprofAddr != "" {
		addr := c.Pprof
		if pprofAddr != "" {
			addr = pprofAddr
		}
		go func() {
			if metrics {
				prom.Init()
				prom.VersionState(VERSION)
			}
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Errorf("pprof serve error:%+v", err)
			}
		}()
	}
	// hanging signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	for {
		si := <-ch
		log.Infof("duplex proxy version[%s] already started, receive signal:%s", VERSION, si.String())
		switch si {
		case syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT:
			return
		default:
			return
		}
	}
}

func parseConfig() (c *proxy.Config, lcs *proxy.ListenConfigs, lfile string) {
	c = proxy.DefaultConfig()
	if config != "" {
		c = &proxy.Config{}
		if err := c.LoadFromFile(config); err != nil {
			panic(err)
		}
	}
	lcs = &proxy.ListenConfigs{}
	if len(listens) == 0 {
		panic("listener configuration file must be specified with -listen")
	}
	for _, lf := range listens {
		ncs := &proxy.ListenConfigs{}
		if err := ncs.LoadFromFile(lf); err != nil {
			panic(err)
		}
		lcs.Listeners = append(lcs.Listeners, ncs.Listeners...)
		lfile = lf
	}
	return
}
