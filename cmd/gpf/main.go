// gpf is a thin command line veneer over the SDK: it authenticates
// against the Entrepôt Géoplateforme, dumps the resolved
// configuration, and validates or runs workflow files.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	"github.com/Geoplateforme/sdk-entrepot/auth"
	"github.com/Geoplateforme/sdk-entrepot/config"
	"github.com/Geoplateforme/sdk-entrepot/store"
	"github.com/Geoplateforme/sdk-entrepot/workflow"
	"github.com/Geoplateforme/sdk-entrepot/workflow/action"
)

const usage = `usage : gpf [--ini <fichier>] [--debug] [--datastore <id>] <commande>

commandes :
  auth                     vérifie l'authentification et affiche le jeton
  config                   affiche la configuration résolue
  workflow -f <fichier> [-s <étape>] [-b <comportement>] [-d <datastore>]
                           valide un workflow, ou exécute une de ses étapes
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.Stdin))
}

func run(args []string, stdout, stderr io.Writer, stdin io.Reader) int {
	flags := gnuflag.NewFlagSet("gpf", gnuflag.ContinueOnError)
	flags.SetOutput(stderr)
	var (
		iniPath   string
		debug     bool
		datastore string
	)
	flags.StringVar(&iniPath, "ini", "", "fichier de configuration à superposer aux valeurs par défaut")
	flags.BoolVar(&debug, "debug", false, "active les traces de débogage")
	flags.StringVar(&datastore, "datastore", "", "datastore à utiliser à la place de celui configuré")
	// Parsing stops at the sub-command, which carries its own flags.
	if err := flags.Parse(false, args); err != nil {
		fmt.Fprint(stderr, usage)
		return 2
	}
	if flags.NArg() == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	level := loggo.INFO
	if debug {
		level = loggo.DEBUG
	}
	loggo.GetLogger("sdk.entrepot").SetLogLevel(level)

	var paths []string
	if iniPath != "" {
		paths = append(paths, iniPath)
	}
	if _, err := config.Setup(paths...); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ctx := context.Background()
	rest := flags.Args()[1:]
	var err error
	switch command := flags.Arg(0); command {
	case "auth":
		err = runAuth(ctx, stdout)
	case "config":
		err = runConfig(stdout)
	case "workflow":
		err = runWorkflow(ctx, rest, datastore, stdout, stdin)
	default:
		fmt.Fprintf(stderr, "commande inconnue : %s\n", command)
		fmt.Fprint(stderr, usage)
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func runAuth(ctx context.Context, stdout io.Writer) error {
	authenticator, err := auth.Instance()
	if err != nil {
		return err
	}
	token, err := authenticator.AccessToken(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Authentification réussie. Jeton : %s\n", token)
	return nil
}

func runConfig(stdout io.Writer) error {
	cfg, err := config.Instance()
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, cfg.Dump())
	return nil
}

func runWorkflow(ctx context.Context, args []string, datastore string, stdout io.Writer, stdin io.Reader) error {
	flags := gnuflag.NewFlagSet("workflow", gnuflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	var (
		file     string
		step     string
		behavior string
		override string
	)
	flags.StringVar(&file, "f", "", "fichier de workflow")
	flags.StringVar(&step, "s", "", "étape à exécuter")
	flags.StringVar(&behavior, "b", "", "comportement si l'entité existe déjà")
	flags.StringVar(&override, "d", "", "datastore à utiliser")
	if err := flags.Parse(true, args); err != nil {
		return err
	}
	if file == "" {
		return fmt.Errorf("le fichier de workflow est obligatoire (-f)")
	}
	if err := checkBehavior(behavior); err != nil {
		return err
	}

	w, err := workflow.Load(file)
	if err != nil {
		return err
	}
	if problems := w.Validate(); len(problems) > 0 {
		return fmt.Errorf("le workflow %s est invalide :\n%s", w.Name(), strings.Join(problems, "\n"))
	}
	if step == "" {
		fmt.Fprintf(stdout, "Le workflow %s est valide. Étapes disponibles :\n", w.Name())
		for _, line := range w.StepSummaries() {
			fmt.Fprintln(stdout, line)
		}
		return nil
	}

	if override == "" {
		override = datastore
	}
	interrupts := make(chan struct{}, 1)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)
	defer signal.Stop(signals)
	go func() {
		for range signals {
			select {
			case interrupts <- struct{}{}:
			default:
			}
		}
	}()
	action.SetInterrupts(interrupts)
	defer action.SetInterrupts(nil)

	opts := workflow.RunOptions{
		Behavior:  action.Behavior(behavior),
		Datastore: override,
		Callback: func(pe *store.ProcessingExecution) {
			fmt.Fprintf(stdout, "Exécution de traitement %s : %s\n", pe.ID(), pe.Status())
		},
		UploadCallback: func(upload *store.Upload) {
			fmt.Fprintf(stdout, "Livraison %s : %s\n", upload.ID(), upload.Status())
		},
		CtrlC: confirmAbort(stdout, stdin),
	}
	if _, err := w.RunStep(ctx, step, opts); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Étape %s terminée.\n", step)
	return nil
}

func checkBehavior(behavior string) error {
	if behavior == "" {
		return nil
	}
	for _, known := range action.Behaviors {
		if action.Behavior(behavior) == known {
			return nil
		}
	}
	return fmt.Errorf("comportement %q inconnu (valeurs possibles : STOP, DELETE, CONTINUE, RESUME)", behavior)
}

// confirmAbort asks the user whether the interruption must abort the
// running entity; an empty answer resumes the monitoring.
func confirmAbort(stdout io.Writer, stdin io.Reader) func() bool {
	reader := bufio.NewReader(stdin)
	return func() bool {
		fmt.Fprint(stdout, "Interrompre le traitement en cours ? (o/N) ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return true
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "o" || answer == "oui"
	}
}
