package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/db"
	"github.com/deemkeen/fedhub/directory"
	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/ui/common"
	"github.com/deemkeen/fedhub/util"
	"github.com/deemkeen/fedhub/zot"
	"github.com/spf13/cobra"
)

var channelKeyBits = 4096

// openDB opens the configured database without starting any component.
func openDB() (*util.AppConfig, *db.DB, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, nil, err
	}
	database, err := db.Open(conf.Conf.DbPath)
	if err != nil {
		return nil, nil, err
	}
	return conf, database, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			v, dirty, err := database.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d (dirty=%v)\n", v, dirty)
			return nil
		},
	}
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue",
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show queued and reserved jobs per command",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			counts, err := database.CountJobs()
			if err != nil {
				return err
			}
			common.UseOutput(os.Stdout)
			rows := make([][]string, 0, len(counts))
			for _, c := range counts {
				rows = append(rows, []string{c.Command, strconv.Itoa(c.Queued), strconv.Itoa(c.Reserved)})
			}
			fmt.Println(common.Caption("job queue"))
			fmt.Println(common.Table([]string{"command", "queued", "reserved"}, rows))
			return nil
		},
	}
	cmd.AddCommand(status)
	return cmd
}

func reportsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reports [mid]",
		Short: "Show delivery reports, recent ones or those of one item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			var reports []domain.DeliveryReport
			if len(args) == 1 {
				reports, err = database.ReadReportsByMid(args[0])
			} else {
				reports, err = database.ReadRecentReports(limit)
			}
			if err != nil {
				return err
			}
			common.UseOutput(os.Stdout)
			rows := make([][]string, 0, len(reports))
			for _, r := range reports {
				rows = append(rows, []string{r.CreatedAt.Format(time.DateTime), r.Mid, r.Recipient, common.Status(r.Status), r.Detail})
			}
			fmt.Println(common.Caption("delivery reports"))
			fmt.Println(common.Table([]string{"when", "item", "recipient", "status", "detail"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 25, "number of recent reports")
	return cmd
}

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage local channels",
	}

	var (
		name       string
		autoAccept bool
		mentions   bool
		moderated  bool
		firehose   bool
	)
	create := &cobra.Command{
		Use:   "create <nick>",
		Short: "Create a channel with a fresh key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			ch, err := newChannel(conf.BaseURL(), args[0], name)
			if err != nil {
				return err
			}
			ch.AutoAccept = autoAccept
			ch.AcceptMentions = mentions
			ch.Moderated = moderated
			ch.Firehose = firehose
			if err := database.CreateChannel(ch); err != nil {
				return err
			}
			fmt.Printf("created %s@%s\n%s\n", ch.Address, conf.Domain(), ch.ToString())
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().BoolVar(&autoAccept, "auto-accept", false, "accept follows without approval")
	create.Flags().BoolVar(&mentions, "accept-mentions", true, "accept posts and comments that mention the channel")
	create.Flags().BoolVar(&moderated, "moderated", false, "hold comments from unconnected actors for approval")
	create.Flags().BoolVar(&firehose, "firehose", false, "receive every public post the hub sees")

	list := &cobra.Command{
		Use:   "list",
		Short: "List local channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			channels, err := database.ReadChannels()
			if err != nil {
				return err
			}
			common.UseOutput(os.Stdout)
			rows := make([][]string, 0, len(channels))
			for _, ch := range channels {
				conns, err := database.ReadConnectionsByChannel(ch.Id)
				if err != nil {
					return err
				}
				items, err := database.CountItems(ch.Id)
				if err != nil {
					return err
				}
				rows = append(rows, []string{ch.Address, ch.Name, ch.Hash, strconv.Itoa(len(conns)), strconv.Itoa(items), strconv.FormatBool(ch.AutoAccept)})
			}
			fmt.Println(common.Caption("channels"))
			fmt.Println(common.Table([]string{"nick", "name", "hash", "connections", "items", "auto accept"}, rows))
			return nil
		},
	}

	follow := &cobra.Command{
		Use:   "follow <nick> <actor>",
		Short: "Follow a remote actor given by URL, address or hash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := openHub(ctx)
			if err != nil {
				return err
			}
			defer h.Close()
			ch, err := h.db.ReadChannelByAddress(args[0])
			if err != nil {
				return fmt.Errorf("channel %s: %w", args[0], err)
			}
			actor, err := h.server().Follow(ctx, ch, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("follow of %s queued, run serve or worker to deliver it\n", actor.URL)
			return nil
		},
	}

	approve := &cobra.Command{
		Use:   "approve <nick> <mid>",
		Short: "Release a comment held for moderation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHub(cmd.Context())
			if err != nil {
				return err
			}
			defer h.Close()
			ch, err := h.db.ReadChannelByAddress(args[0])
			if err != nil {
				return fmt.Errorf("channel %s: %w", args[0], err)
			}
			return h.engine.Approve(cmd.Context(), ch, args[1])
		},
	}

	cmd.AddCommand(create, list, follow, approve)
	return cmd
}

func sitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List remote hubs and when they last answered",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			sites, err := database.ReadSites()
			if err != nil {
				return err
			}
			common.UseOutput(os.Stdout)
			rows := make([][]string, 0, len(sites))
			for _, site := range sites {
				state := common.OkStyle.Render("alive")
				if site.Dead {
					state = common.FailStyle.Render("dead")
				}
				last := "never"
				if !site.LastContact.IsZero() {
					last = site.LastContact.Format(time.DateTime)
				}
				rows = append(rows, []string{site.URL, last, state})
			}
			fmt.Println(common.Caption("sites"))
			fmt.Println(common.Table([]string{"site", "last contact", "state"}, rows))
			return nil
		},
	}
}

// newChannel generates the channel's keys and its self signed identity.
func newChannel(baseURL, nick, name string) (*domain.Channel, error) {
	keys, err := util.GeneratePemKeypair(channelKeyBits)
	if err != nil {
		return nil, err
	}
	key, err := zot.ParsePrivateKey(keys.Private)
	if err != nil {
		return nil, err
	}
	guid := activitypub.IRI(baseURL, nick, activitypub.IRIId)
	guidSig, err := zot.Sign(directory.SelfSignedData(guid, keys.Public), key, zot.AlgSHA256)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = nick
	}
	return &domain.Channel{
		Hash:       zot.PortableHash(guid, keys.Public),
		Guid:       guid,
		GuidSig:    guidSig,
		Address:    nick,
		Name:       name,
		PublicKey:  keys.Public,
		PrivateKey: keys.Private,
		PublicCaps: []domain.Capability{domain.CapViewStream, domain.CapViewProfile},
		CreatedAt:  time.Now(),
	}, nil
}
